package agent

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var x25519Info = []byte("a2a/1 x25519-chacha20poly1305")

// x25519Sealer seals with a static X25519 key advertised through the card's intro bundle.
type x25519Sealer struct {
	mu    sync.RWMutex
	priv  []byte
	pub   []byte
	wiped bool
}

func newX25519Sealer(r io.Reader) (*x25519Sealer, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return nil, fmt.Errorf("%w: x25519: %v", ErrKeyGeneration, err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519: %v", ErrKeyGeneration, err)
	}
	return &x25519Sealer{priv: priv, pub: pub}, nil
}

func (s *x25519Sealer) Scheme() string { return SchemeX25519 }

func (s *x25519Sealer) bundle(publicID string) *IntroBundle {
	return &IntroBundle{
		AgentPubKey: publicID,
		X25519Key:   base64.StdEncoding.EncodeToString(s.pub),
		Version:     IntroBundleVersion,
	}
}

func (s *x25519Sealer) aead(peerPub []byte) (cipher.AEAD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, ErrIdentityWiped
	}
	shared, err := curve25519.X25519(s.priv, peerPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(shared)
	key := make([]byte, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, x25519Info), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

func (s *x25519Sealer) Seal(peer PeerKeys, plaintext []byte) (Sealed, error) {
	if len(peer.X25519) != curve25519.PointSize {
		return Sealed{}, fmt.Errorf("x25519 seal: peer %s has no intro bundle", shortID(peer.ID))
	}
	aead, err := s.aead(peer.X25519)
	if err != nil {
		return Sealed{}, fmt.Errorf("x25519 seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("x25519 seal: %w", err)
	}
	return Sealed{
		Scheme:     SchemeX25519,
		Nonce:      nonce,
		SenderKey:  append([]byte(nil), s.pub...),
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

func (s *x25519Sealer) Open(_ PeerKeys, sealed Sealed) ([]byte, error) {
	if len(sealed.SenderKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: missing sender key", ErrDecryption)
	}
	aead, err := s.aead(sealed.SenderKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrDecryption)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func (s *x25519Sealer) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}
	zeroBytes(s.priv)
	s.wiped = true
}

func decodeX25519Key(raw string) []byte {
	if raw == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(b) != curve25519.PointSize {
		return nil
	}
	return b
}
