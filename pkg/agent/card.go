package agent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var defaultCapabilities = []string{"text"}

// BuildCard assembles and signs the card for id. Signing is deterministic, so repeated calls
// with the same inputs yield identical cards.
func BuildCard(id *Identity, name, description string, capabilities []string, bundle *IntroBundle) (AgentCard, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return AgentCard{}, fmt.Errorf("%w: card name is required", ErrInvalidArgument)
	}
	caps := uniqueStrings(capabilities)
	if len(caps) == 0 {
		caps = append([]string(nil), defaultCapabilities...)
	}
	card := AgentCard{
		Name:         name,
		Description:  strings.TrimSpace(description),
		Version:      CardVersion,
		Capabilities: caps,
		PublicKey:    id.PublicID(),
		Endpoint:     DirectTopic(id.PublicID()),
		IntroBundle:  bundle,
	}
	digest, err := card.digest()
	if err != nil {
		return AgentCard{}, err
	}
	sig, err := id.Sign(digest)
	if err != nil {
		return AgentCard{}, err
	}
	card.Signature = hex.EncodeToString(sig)
	return card, nil
}

func (c AgentCard) digest() ([]byte, error) {
	fields := []interface{}{
		c.Name,
		c.Description,
		c.Version,
		c.Capabilities,
		c.PublicKey,
		c.Endpoint,
	}
	if c.IntroBundle != nil {
		fields = append(fields, []string{c.IntroBundle.AgentPubKey, c.IntroBundle.X25519Key, c.IntroBundle.Version})
	}
	enc, err := rlp.EncodeToBytes(fields)
	if err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}
	return crypto.Keccak256(enc), nil
}

// Verify checks the card signature against the card's own public key.
func (c AgentCard) Verify() error {
	if _, err := NormalizePublicID(c.PublicKey); err != nil {
		return err
	}
	if c.IntroBundle != nil && c.IntroBundle.AgentPubKey != c.PublicKey {
		return fmt.Errorf("%w: intro bundle belongs to another key", ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return fmt.Errorf("%w: card signature is not hex", ErrInvalidSignature)
	}
	digest, err := c.digest()
	if err != nil {
		return err
	}
	if !VerifySignature(c.PublicKey, digest, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (c AgentCard) JSON() ([]byte, error) {
	return json.Marshal(c)
}

func uniqueStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
