package agent

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// sealerFor picks the configured scheme, falling back to nip44 for peers without an
// intro bundle.
func (n *Node) sealerFor(peer PeerKeys) Sealer {
	if n.cfg.scheme() == SchemeX25519 && len(peer.X25519) > 0 {
		if s, ok := n.sealers[SchemeX25519]; ok {
			return s
		}
	}
	return n.sealers[SchemeNIP44]
}

// buildEnvelope serializes body, seals it for peer when running encrypted and signs the result.
// Card envelopes are never sealed.
func (n *Node) buildEnvelope(typ, to string, body interface{}, peer PeerKeys) (Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", typ, err)
	}
	env := Envelope{
		Type:    typ,
		ID:      uuid.NewString(),
		From:    n.self(),
		To:      to,
		Payload: payload,
		SentAt:  n.now().UnixMilli(),
	}
	if n.cfg.Encrypted && typ != EnvelopeTypeCard {
		sealed, err := n.sealerFor(peer).Seal(peer, payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Encrypted = true
		env.Scheme = sealed.Scheme
		env.Nonce = sealed.Nonce
		env.SenderKey = sealed.SenderKey
		env.Payload = sealed.Ciphertext
	}
	if err := env.sign(n.identity); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// openEnvelope returns the plaintext body of an inbound envelope.
func (n *Node) openEnvelope(env Envelope) ([]byte, error) {
	if !env.Encrypted {
		return env.Payload, nil
	}
	sealer, ok := n.sealers[env.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrDecryption, env.Scheme)
	}
	return sealer.Open(PeerKeys{ID: env.From, X25519: env.SenderKey}, Sealed{
		Scheme:     env.Scheme,
		Nonce:      env.Nonce,
		SenderKey:  env.SenderKey,
		Ciphertext: env.Payload,
	})
}

// replyKeysFor captures what is needed to seal back to the sender of env.
func (n *Node) replyKeysFor(env Envelope) PeerKeys {
	keys := PeerKeys{ID: env.From}
	if entry, ok := n.directory.Get(env.From); ok {
		keys = peerKeysFromCard(entry.Card)
	}
	if env.Scheme == SchemeX25519 && len(env.SenderKey) > 0 {
		keys.X25519 = append([]byte(nil), env.SenderKey...)
	}
	return keys
}
