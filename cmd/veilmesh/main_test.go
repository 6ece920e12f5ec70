package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"veilmesh/internal/crypto"
)

func TestKeygenWritesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.json")
	var out, errOut bytes.Buffer
	if code := run([]string{"keygen", path}, &out, &errOut); code != 0 {
		t.Fatalf("keygen exit %d: %s", code, errOut.String())
	}
	id, err := crypto.LoadIdentity(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(out.String(), "sign_public=") || len(id.Sign.Public) == 0 {
		t.Fatalf("output = %q", out.String())
	}
	if code := run([]string{"keygen", path}, &out, &errOut); code == 0 {
		t.Fatalf("keygen overwrote without --force")
	}
	if code := run([]string{"keygen", "--force", path}, &out, &errOut); code != 0 {
		t.Fatalf("keygen --force exit %d: %s", code, errOut.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code == 0 {
		t.Fatalf("unknown command succeeded")
	}
}

func TestProbeUnreachable(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"probe", "--timeout", "500ms", "ws://127.0.0.1:1"}, &out, &errOut); code == 0 {
		t.Fatalf("probe of a closed port succeeded")
	}
}
