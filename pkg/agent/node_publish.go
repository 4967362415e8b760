package agent

import (
	"context"
	"fmt"
	"time"
)

const receiptPublishTimeout = 10 * time.Second

// publishEnvelope hands one envelope to the transport. No lock may be held by the caller.
func (n *Node) publishEnvelope(ctx context.Context, topic string, env Envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return n.publishRaw(ctx, topic, env.Type, env.ID, raw)
}

// publishRaw sends already encoded envelope bytes. Retransmissions reuse the first encoding.
func (n *Node) publishRaw(ctx context.Context, topic, envType, envID string, raw []byte) error {
	if err := n.transport.Publish(ctx, topic, raw); err != nil {
		publishFailures.WithLabelValues(envType).Inc()
		log.Warnf("publish %s %s to %s failed: %v", envType, envID, topic, err)
		return fmt.Errorf("%w: %v", ErrTransportPublish, err)
	}
	envelopesPublished.WithLabelValues(envType).Inc()
	log.Debugf("published %s %s to %s", envType, envID, topic)
	return nil
}

// routeTo returns the topic and seal keys for a peer, preferring its directory card.
func (n *Node) routeTo(peerID string, fallback PeerKeys) (string, PeerKeys) {
	entry, ok := n.directory.Get(peerID)
	if !ok {
		if fallback.ID == "" {
			fallback.ID = peerID
		}
		return DirectTopic(peerID), fallback
	}
	keys := peerKeysFromCard(entry.Card)
	if len(keys.X25519) == 0 {
		keys.X25519 = fallback.X25519
	}
	return peerTopic(entry.Card), keys
}

func peerTopic(card AgentCard) string {
	if card.Endpoint != "" {
		return card.Endpoint
	}
	return DirectTopic(card.PublicKey)
}
