package agent

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"fiatjaf.com/nostr"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	publicIDBytes = 33
	publicIDLen   = publicIDBytes * 2
)

// Identity owns the node's secp256k1 keypair. The public identifier is the hex encoded
// compressed public key; the same scalar doubles as the node's nostr secret key.
type Identity struct {
	mu       sync.RWMutex
	key      *ecdsa.PrivateKey
	nostrKey nostr.SecretKey
	publicID string
	wiped    bool
}

func GenerateIdentity() (*Identity, error) {
	return GenerateIdentityFrom(rand.Reader)
}

// GenerateIdentityFrom draws key material from r until it forms a valid scalar.
func GenerateIdentityFrom(r io.Reader) (*Identity, error) {
	seed := make([]byte, 32)
	defer zeroBytes(seed)
	for attempt := 0; attempt < 8; attempt++ {
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			continue
		}
		return newIdentity(key)
	}
	return nil, fmt.Errorf("%w: no valid scalar drawn", ErrKeyGeneration)
}

func newIdentity(key *ecdsa.PrivateKey) (*Identity, error) {
	raw := crypto.FromECDSA(key)
	defer zeroBytes(raw)
	var sk nostr.SecretKey
	if len(raw) != len(sk) {
		return nil, fmt.Errorf("%w: scalar is %d bytes", ErrKeyGeneration, len(raw))
	}
	copy(sk[:], raw)
	return &Identity{
		key:      key,
		nostrKey: sk,
		publicID: hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)),
	}, nil
}

// PublicID stays readable after Wipe; it is not secret.
func (id *Identity) PublicID() string {
	return id.publicID
}

// NostrPubKey is the x-only form of the public identifier.
func (id *Identity) NostrPubKey() nostr.PubKey {
	pk, _ := NostrPubKeyFromID(id.publicID)
	return pk
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (id *Identity) Sign(digest []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.wiped {
		return nil, ErrIdentityWiped
	}
	return crypto.Sign(digest, id.key)
}

// WithNostrKey runs fn with the nostr secret key while holding the key read lock.
func (id *Identity) WithNostrKey(fn func(sk nostr.SecretKey) error) error {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.wiped {
		return ErrIdentityWiped
	}
	return fn(id.nostrKey)
}

// Wipe zeroes the key material. It reports whether this call performed the wipe.
func (id *Identity) Wipe() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.wiped {
		return false
	}
	words := id.key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	id.key.D.SetInt64(0)
	id.nostrKey = nostr.SecretKey{}
	id.wiped = true
	return true
}

func (id *Identity) Wiped() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.wiped
}

// NormalizePublicID validates a compressed secp256k1 public key in hex and lowercases it.
func NormalizePublicID(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if len(s) != publicIDLen {
		return "", fmt.Errorf("%w: public id must be %d hex chars", ErrInvalidArgument, publicIDLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: public id is not hex: %v", ErrInvalidArgument, err)
	}
	if _, err := crypto.DecompressPubkey(b); err != nil {
		return "", fmt.Errorf("%w: public id is not a curve point: %v", ErrInvalidArgument, err)
	}
	return s, nil
}

// NostrPubKeyFromID drops the parity prefix of a compressed key.
func NostrPubKeyFromID(publicID string) (nostr.PubKey, error) {
	if len(publicID) != publicIDLen {
		return nostr.PubKey{}, fmt.Errorf("%w: public id must be %d hex chars", ErrInvalidArgument, publicIDLen)
	}
	return nostr.PubKeyFromHex(publicID[2:])
}

// VerifySignature checks a signature produced by Identity.Sign against a public identifier.
func VerifySignature(publicID string, digest []byte, sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	pub, err := hex.DecodeString(publicID)
	if err != nil || len(pub) != publicIDBytes {
		return false
	}
	return crypto.VerifySignature(pub, digest, sig[:64])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
