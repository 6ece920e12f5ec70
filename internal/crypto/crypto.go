// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// veilmesh crypto suite
//
// - X25519 key exchange, crypto_kx style session keys (BLAKE2b-512)
// - XChaCha20-Poly1305 with a random 24-byte nonce per message
// - Ed25519 detached signatures for gossip announcements
// - SHA3-256 for content hashes, keyed BLAKE2b-256 for room ids
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
	XTagSize   = chacha20poly1305.Overhead   // 16

	// SealOverhead is the size added by Seal: nonce plus tag.
	SealOverhead = XNonceSize + XTagSize
)

var ErrDecrypt = errors.New("decrypt failed")

// -----------------------------------------------------------------------------
// Hashing
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// RoomID derives the 32-byte room identifier from a room secret and name.
// Without the secret the id cannot be linked back to the plaintext name.
func RoomID(secret []byte, name string) ([32]byte, error) {
	var id [32]byte
	key := secret
	if len(key) > blake2b.Size {
		key = SHA3_256(key)
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return id, err
	}
	h.Write([]byte("veil:room:v1|"))
	h.Write([]byte(name))
	copy(id[:], h.Sum(nil))
	return id, nil
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24-byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// Seal returns nonce ‖ ciphertext ‖ tag.
func Seal(key32, plaintext, aad []byte) ([]byte, error) {
	nonce, ct, err := XSeal(key32, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	return append(out, ct...), nil
}

// Open reverses Seal. Any failure yields ErrDecrypt and no plaintext.
func Open(key32, box, aad []byte) ([]byte, error) {
	if len(box) < SealOverhead {
		return nil, ErrDecrypt
	}
	pt, err := XOpen(key32, box[:XNonceSize], box[XNonceSize:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Pad right-pads buf with random bytes up to size. Longer buffers are
// returned unchanged: truncating would cut into the authentication tag.
func Pad(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	out := make([]byte, size)
	copy(out, buf)
	_, _ = rand.Read(out[len(buf):])
	return out
}

func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// -----------------------------------------------------------------------------
// Ed25519 detached signatures
// -----------------------------------------------------------------------------

type SignKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func (k SignKeyPair) String() string {
	return "SignKeyPair{REDACTED}"
}

func GenerateSignKeyPair() (SignKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignKeyPair{}, err
	}
	return SignKeyPair{Public: pub, Private: priv}, nil
}

func SignDetached(priv ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bad signing key size")
	}
	return ed25519.Sign(priv, msg), nil
}

func VerifyDetached(pub []byte, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// -----------------------------------------------------------------------------
// Identity storage
// -----------------------------------------------------------------------------

type Identity struct {
	Kx   KeyPair
	Sign SignKeyPair
}

type diskIdentity struct {
	KxPublic    string `json:"kx_public"`
	KxPrivate   string `json:"kx_private"`
	SignPublic  string `json:"sign_public"`
	SignPrivate string `json:"sign_private"`
}

func GenerateIdentity() (Identity, error) {
	kx, err := GenerateKxKeyPair(nil)
	if err != nil {
		return Identity{}, err
	}
	sign, err := GenerateSignKeyPair()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Kx: kx, Sign: sign}, nil
}

func SaveIdentity(path string, id Identity) error {
	if len(id.Kx.Private) == 0 || len(id.Sign.Private) == 0 {
		return errors.New("empty key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(diskIdentity{
		KxPublic:    hex.EncodeToString(id.Kx.Public),
		KxPrivate:   hex.EncodeToString(id.Kx.Private),
		SignPublic:  hex.EncodeToString(id.Sign.Public),
		SignPrivate: hex.EncodeToString(id.Sign.Private),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var d diskIdentity
	if err := json.Unmarshal(data, &d); err != nil {
		return Identity{}, fmt.Errorf("bad identity file: %w", err)
	}
	kxPub, err1 := hex.DecodeString(d.KxPublic)
	kxPriv, err2 := hex.DecodeString(d.KxPrivate)
	signPub, err3 := hex.DecodeString(d.SignPublic)
	signPriv, err4 := hex.DecodeString(d.SignPrivate)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return Identity{}, fmt.Errorf("bad identity hex: %w", err)
	}
	if len(kxPub) != KxKeySize || len(kxPriv) != KxKeySize {
		return Identity{}, errors.New("bad kx key size")
	}
	if len(signPub) != ed25519.PublicKeySize || len(signPriv) != ed25519.PrivateKeySize {
		return Identity{}, errors.New("bad signing key size")
	}
	return Identity{
		Kx:   KeyPair{Public: kxPub, Private: kxPriv},
		Sign: SignKeyPair{Public: signPub, Private: signPriv},
	}, nil
}

// LoadOrCreateIdentity loads path, generating and saving a fresh identity if
// the file does not exist yet.
func LoadOrCreateIdentity(path string) (Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, err
	}
	id, err = GenerateIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}
