package agent

import (
	"context"
	"errors"
	"testing"
)

func TestBuildEnvelopeSealsForRecipientOnly(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Encrypted = true
	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", cfg)
	bob := newBusNode(t, bus, "bob", cfg)
	carol := newBusNode(t, bus, "carol", cfg)
	bobID := mustPubKey(t, bob)

	env, err := alice.buildEnvelope(EnvelopeTypeMessage, bobID, TextMessage(RoleUser, "secret"), PeerKeys{ID: bobID})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !env.Encrypted || env.Scheme != SchemeNIP44 {
		t.Fatalf("expected nip44 sealed envelope, got encrypted=%v scheme=%q", env.Encrypted, env.Scheme)
	}
	if err := env.verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	body, err := bob.openEnvelope(env)
	if err != nil {
		t.Fatalf("bob open: %v", err)
	}
	var msg Message
	if err := decodeBody(body, &msg); err != nil || msg.Text() != "secret" {
		t.Fatalf("unexpected body %q (%v)", body, err)
	}
	if _, err := carol.openEnvelope(env); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for third party, got %v", err)
	}
}

func TestEnvelopeTamperingBreaksSignature(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", DefaultConfig())
	bobID := newPeerID(t)

	env, err := alice.buildEnvelope(EnvelopeTypeMessage, bobID, TextMessage(RoleUser, "hi"), PeerKeys{ID: bobID})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.Encrypted {
		t.Fatalf("plain node must not seal")
	}
	tampered := env
	tampered.Payload = []byte(`{"role":"user","parts":[{"type":"text","text":"bye"}]}`)
	if err := tampered.verify(); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	spoofed := env
	spoofed.From = bobID
	if err := spoofed.verify(); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected spoofed sender to fail verification, got %v", err)
	}
}

func TestCardEnvelopesStayPlain(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Encrypted = true
	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", cfg)
	card, err := alice.Card()
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	env, err := alice.buildEnvelope(EnvelopeTypeCard, "", card, PeerKeys{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if env.Encrypted {
		t.Fatalf("card envelopes must never be sealed")
	}
}

func TestX25519FallsBackToNIP44WithoutBundle(t *testing.T) {
	t.Parallel()

	x := DefaultConfig()
	x.Encrypted = true
	x.EncryptionScheme = SchemeX25519
	legacy := DefaultConfig()
	legacy.Encrypted = true

	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", x)
	bob := newBusNode(t, bus, "bob", legacy)
	if err := bob.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	entry, ok := alice.directory.Get(mustPubKey(t, bob))
	if !ok {
		t.Fatalf("expected bob in alice's directory")
	}
	if got := alice.sealerFor(peerKeysFromCard(entry.Card)).Scheme(); got != SchemeNIP44 {
		t.Fatalf("expected nip44 fallback, got %s", got)
	}
	exchangeHello(t, alice, bob)
}
