package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/blake2b"
)

const KxKeySize = 32

// KeyPair is an X25519 key-exchange keypair.
type KeyPair struct {
	Public  []byte
	Private []byte
}

func (k KeyPair) String() string {
	return "KeyPair{REDACTED}"
}

func (k KeyPair) GoString() string {
	return "crypto.KeyPair{REDACTED}"
}

// Destroy zeroes the private half.
func (k *KeyPair) Destroy() {
	if k == nil {
		return
	}
	Zero(k.Private)
	k.Private = nil
}

// GenerateKxKeyPair returns a fresh X25519 keypair. A non-empty seed makes the
// result deterministic.
func GenerateKxKeyPair(seed []byte) (KeyPair, error) {
	var priv *ecdh.PrivateKey
	var err error
	if len(seed) > 0 {
		sum := blake2b.Sum512(seed)
		priv, err = ecdh.X25519().NewPrivateKey(sum[:KxKeySize])
		Zero(sum[:])
	} else {
		priv, err = ecdh.X25519().GenerateKey(rand.Reader)
	}
	if err != nil {
		return KeyPair{}, err
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return KeyPair{Public: pubCopy, Private: privCopy}, nil
}

// SessionKeys holds the directional keys of one side of a circuit.
type SessionKeys struct {
	Rx []byte
	Tx []byte
}

func (s *SessionKeys) Destroy() {
	if s == nil {
		return
	}
	Zero(s.Rx)
	Zero(s.Tx)
}

// ServerSessionKeys derives the relay side of a session: tx = h[0:32], rx = h[32:64].
func ServerSessionKeys(server KeyPair, clientPub []byte) (SessionKeys, error) {
	h, err := kxHash(server.Private, clientPub, clientPub, server.Public)
	if err != nil {
		return SessionKeys{}, err
	}
	defer Zero(h)
	return SessionKeys{Tx: clone(h[:XKeySize]), Rx: clone(h[XKeySize:])}, nil
}

// ClientSessionKeys derives the client side: rx = h[0:32], tx = h[32:64].
func ClientSessionKeys(client KeyPair, serverPub []byte) (SessionKeys, error) {
	h, err := kxHash(client.Private, serverPub, client.Public, serverPub)
	if err != nil {
		return SessionKeys{}, err
	}
	defer Zero(h)
	return SessionKeys{Rx: clone(h[:XKeySize]), Tx: clone(h[XKeySize:])}, nil
}

func kxHash(privKey, peerPub, clientPub, serverPub []byte) ([]byte, error) {
	if len(privKey) != KxKeySize || len(peerPub) != KxKeySize {
		return nil, errors.New("bad kx key size")
	}
	shared, err := DeriveShared(privKey, peerPub)
	if err != nil {
		return nil, err
	}
	defer Zero(shared)
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	h.Write(shared)
	h.Write(clientPub)
	h.Write(serverPub)
	return h.Sum(nil), nil
}

func DeriveShared(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
