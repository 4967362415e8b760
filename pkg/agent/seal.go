package agent

import (
	"fmt"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip44"
)

const (
	SchemeNIP44  = "nip44"
	SchemeX25519 = "x25519"
)

// PeerKeys is the key material needed to seal to or open from a peer.
type PeerKeys struct {
	ID     string
	X25519 []byte
}

func peerKeysFromCard(card AgentCard) PeerKeys {
	keys := PeerKeys{ID: card.PublicKey}
	if card.IntroBundle != nil {
		keys.X25519 = decodeX25519Key(card.IntroBundle.X25519Key)
	}
	return keys
}

type Sealed struct {
	Scheme     string
	Nonce      []byte
	SenderKey  []byte
	Ciphertext []byte
}

// Sealer is the encryption capability the node consumes.
type Sealer interface {
	Scheme() string
	Seal(peer PeerKeys, plaintext []byte) (Sealed, error)
	Open(sender PeerKeys, sealed Sealed) ([]byte, error)
}

// nip44Sealer derives a conversation key from the node identity and the peer public id.
// The nonce travels inside the NIP-44 payload.
type nip44Sealer struct {
	id *Identity
}

func newNIP44Sealer(id *Identity) *nip44Sealer {
	return &nip44Sealer{id: id}
}

func (s *nip44Sealer) Scheme() string { return SchemeNIP44 }

func (s *nip44Sealer) Seal(peer PeerKeys, plaintext []byte) (Sealed, error) {
	pk, err := NostrPubKeyFromID(peer.ID)
	if err != nil {
		return Sealed{}, err
	}
	var ciphertext string
	err = s.id.WithNostrKey(func(sk nostr.SecretKey) error {
		ck, err := nip44.GenerateConversationKey(pk, sk)
		if err != nil {
			return err
		}
		ciphertext, err = nip44.Encrypt(string(plaintext), ck)
		return err
	})
	if err != nil {
		return Sealed{}, fmt.Errorf("nip44 seal: %w", err)
	}
	return Sealed{Scheme: SchemeNIP44, Ciphertext: []byte(ciphertext)}, nil
}

func (s *nip44Sealer) Open(sender PeerKeys, sealed Sealed) ([]byte, error) {
	pk, err := NostrPubKeyFromID(sender.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	var plaintext string
	err = s.id.WithNostrKey(func(sk nostr.SecretKey) error {
		ck, err := nip44.GenerateConversationKey(pk, sk)
		if err != nil {
			return err
		}
		plaintext, err = nip44.Decrypt(string(sealed.Ciphertext), ck)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return []byte(plaintext), nil
}
