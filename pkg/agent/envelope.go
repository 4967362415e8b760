package agent

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Envelope is the unit published on discovery and direct topics.
type Envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Encrypted bool   `json:"encrypted"`
	Scheme    string `json:"scheme,omitempty"`
	Nonce     []byte `json:"nonce,omitempty"`
	SenderKey []byte `json:"sender_key,omitempty"`
	Payload   []byte `json:"payload"`
	SentAt    int64  `json:"sent_at"`
	Signature string `json:"signature"`
}

func (e Envelope) digest() ([]byte, error) {
	if e.SentAt < 0 {
		return nil, fmt.Errorf("%w: negative sent_at", ErrMalformedEnvelope)
	}
	enc, err := rlp.EncodeToBytes([]interface{}{
		e.Type,
		e.ID,
		e.From,
		e.To,
		e.Encrypted,
		e.Scheme,
		e.Nonce,
		e.SenderKey,
		e.Payload,
		uint64(e.SentAt),
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return crypto.Keccak256(enc), nil
}

func (e *Envelope) sign(id *Identity) error {
	digest, err := e.digest()
	if err != nil {
		return err
	}
	sig, err := id.Sign(digest)
	if err != nil {
		return err
	}
	e.Signature = hex.EncodeToString(sig)
	return nil
}

func (e Envelope) verify() error {
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	digest, err := e.digest()
	if err != nil {
		return err
	}
	if !VerifySignature(e.From, digest, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// decodeEnvelope parses and structurally validates an inbound payload.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateEnvelope(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func validateEnvelope(e Envelope) error {
	switch e.Type {
	case EnvelopeTypeCard, EnvelopeTypeTask, EnvelopeTypeResult, EnvelopeTypeAck, EnvelopeTypeMessage:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	if _, err := NormalizePublicID(e.From); err != nil || e.From != strings.ToLower(e.From) {
		return fmt.Errorf("%w: invalid sender", ErrMalformedEnvelope)
	}
	if e.Type != EnvelopeTypeCard {
		if _, err := NormalizePublicID(e.To); err != nil {
			return fmt.Errorf("%w: invalid recipient", ErrMalformedEnvelope)
		}
	}
	if e.Encrypted && e.Scheme == "" {
		return fmt.Errorf("%w: encrypted envelope without scheme", ErrMalformedEnvelope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if e.SentAt < 0 {
		return fmt.Errorf("%w: negative sent_at", ErrMalformedEnvelope)
	}
	if e.Signature == "" {
		return fmt.Errorf("%w: unsigned", ErrMalformedEnvelope)
	}
	return nil
}

func decodeBody(raw []byte, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
