package agent

import (
	"context"
	"time"
)

// Announce publishes the signed card on the discovery topic exactly once.
func (n *Node) Announce(ctx context.Context) error {
	release, err := n.acquire()
	if err != nil {
		return err
	}
	defer release()

	env, err := n.buildEnvelope(EnvelopeTypeCard, "", n.card, PeerKeys{})
	if err != nil {
		return err
	}
	if err := n.publishEnvelope(ctx, DiscoveryTopic, env); err != nil {
		n.emit(Event{Type: EventErrorOccurred, Detail: "announce", Err: err})
		return err
	}
	log.Debugf("announced %s", shortID(n.self()))
	return nil
}

// Discover returns the directory snapshot bounded by discover_max_age_sec.
func (n *Node) Discover() ([]DirectoryEntry, error) {
	release, err := n.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return n.directory.Snapshot(seconds(n.cfg.DiscoverMaxAgeSec)), nil
}

func (n *Node) handleDiscovery(topic string, raw []byte) {
	release, ok := n.enterInbound()
	if !ok {
		return
	}
	defer release()
	defer n.recoverInbound(topic)

	env, err := decodeEnvelope(raw)
	if err != nil {
		n.drop(dropMalformed, "", err)
		return
	}
	if env.Type != EnvelopeTypeCard {
		n.drop(dropMalformed, env.From, errUnexpectedType(env.Type, topic))
		return
	}
	if env.From == n.self() {
		return
	}
	if err := env.verify(); err != nil {
		n.drop(dropSignature, env.From, err)
		return
	}
	if n.seenBefore(env) {
		envelopesDropped.WithLabelValues(dropDuplicate).Inc()
		return
	}
	if n.IsBlockedPeer(env.From) {
		envelopesDropped.WithLabelValues(dropBlocked).Inc()
		return
	}

	var card AgentCard
	if err := decodeBody(env.Payload, &card); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	if err := card.Verify(); err != nil {
		n.drop(dropSignature, env.From, err)
		return
	}
	if card.PublicKey != env.From {
		n.drop(dropSignature, env.From, errCardMismatch)
		return
	}
	if n.cardFilter != nil && !n.cardFilter(card) {
		envelopesDropped.WithLabelValues(dropRejected).Inc()
		return
	}
	envelopesReceived.WithLabelValues(env.Type).Inc()

	if n.directory.Upsert(card, n.observedAt(env.SentAt)) {
		directoryPeers.Set(float64(n.directory.Len()))
		n.emit(Event{Type: EventAgentsChanged, Peer: card.PublicKey, Detail: card.Name})
	}
}

// observedAt maps a sender timestamp onto the local clock, capped at MaxClockSkew ahead.
func (n *Node) observedAt(sentAtMillis int64) time.Time {
	now := n.now()
	if sentAtMillis <= 0 {
		return now
	}
	at := time.UnixMilli(sentAtMillis)
	if limit := now.Add(MaxClockSkew); at.After(limit) {
		return limit
	}
	return at
}
