package gossip

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"veilmesh/internal/crypto"
	"veilmesh/internal/network"
	"veilmesh/internal/proto"
)

const (
	maxURLLen   = 256
	maxPastSkew = 10 * time.Minute
	maxFutSkew  = time.Minute
)

var (
	ErrBadURL         = errors.New("bad peer url")
	ErrBadKey         = errors.New("bad key encoding")
	ErrStaleTimestamp = errors.New("timestamp out of range")
	ErrBadSignature   = errors.New("bad signature")
	ErrPrivateAddress = network.ErrPrivateAddress
	ErrKeyMismatch    = errors.New("signing key differs from pinned key")
)

// Resolver is the subset of *net.Resolver used by the address guard.
type Resolver = network.Resolver

func checkURL(raw string) (*url.URL, error) {
	if raw == "" || len(raw) > maxURLLen {
		return nil, ErrBadURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Hostname() == "" || u.User != nil {
		return nil, ErrBadURL
	}
	return u, nil
}

func checkHexKey(s string) ([]byte, error) {
	if len(s) != 64 {
		return nil, ErrBadKey
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrBadKey
	}
	return b, nil
}

// guardHost rejects hosts that are, or resolve to, loopback, private or
// link-local addresses.
func (s *Service) guardHost(ctx context.Context, host string) error {
	if s.cfg.AllowPrivate {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()
	err := network.GuardHost(ctx, s.resolver, host)
	if errors.Is(err, network.ErrBadHost) {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	return err
}

// Verify checks an announcement without side effects.
func (s *Service) Verify(ctx context.Context, a proto.Announcement) error {
	u, err := checkURL(a.URL)
	if err != nil {
		return err
	}
	if _, err := checkHexKey(a.KxPublicKey); err != nil {
		return err
	}
	spk, err := checkHexKey(a.SignPublicKey)
	if err != nil {
		return err
	}
	now := s.now()
	ts := time.UnixMilli(a.Timestamp)
	if ts.Before(now.Add(-maxPastSkew)) || ts.After(now.Add(maxFutSkew)) {
		return ErrStaleTimestamp
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil || !crypto.VerifyDetached(spk, proto.AnnouncementSigInput(a.URL, a.KxPublicKey, a.Timestamp), sig) {
		return ErrBadSignature
	}
	if known, ok := s.peers.Get(a.URL); ok && known.SignPublicKey != "" && known.SignPublicKey != a.SignPublicKey {
		return ErrKeyMismatch
	}
	return s.guardHost(ctx, u.Hostname())
}

var _ Resolver = net.DefaultResolver
