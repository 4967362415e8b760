package agent

import (
	"context"
	"time"
)

const networkHealthLogInterval = 60 * time.Second

func (n *Node) startLoops(ctx context.Context, cfg Config) {
	if cfg.AnnounceIntervalSec > 0 {
		n.loops.Add(1)
		go n.announceLoop(ctx, seconds(cfg.AnnounceIntervalSec))
	}
	if cfg.EvictAfterSec > 0 {
		n.loops.Add(1)
		go n.evictLoop(ctx, seconds(cfg.EvictAfterSec))
	}
	if timeout := cfg.retransmitTimeout(); timeout > 0 {
		n.loops.Add(1)
		go n.retransmitLoop(ctx, timeout, cfg.MaxRetries)
	}
	n.loops.Add(1)
	go n.logNetworkHealth(ctx)
}

// announceLoop re-publishes the card every interval, starting immediately.
func (n *Node) announceLoop(ctx context.Context, interval time.Duration) {
	defer n.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := n.Announce(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("periodic announce failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) evictLoop(ctx context.Context, olderThan time.Duration) {
	defer n.loops.Done()
	period := olderThan / 2
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := n.directory.Evict(olderThan); removed > 0 {
				log.Infof("evicted %d directory entries older than %s", removed, olderThan)
				directoryPeers.Set(float64(n.directory.Len()))
				n.emit(Event{Type: EventAgentsChanged, Detail: "evicted"})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) retransmitLoop(ctx context.Context, timeout time.Duration, maxRetries int) {
	defer n.loops.Done()
	period := timeout / 2
	if period < 500*time.Millisecond {
		period = 500 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.retransmitDue(ctx, n.now(), timeout, maxRetries)
		case <-ctx.Done():
			return
		}
	}
}

// retransmitDue re-publishes the original bytes of every sent task that is still unacked
// after timeout. Receivers fold the copies by envelope id. It returns the number re-sent.
func (n *Node) retransmitDue(ctx context.Context, now time.Time, timeout time.Duration, maxRetries int) int {
	release, err := n.acquire()
	if err != nil {
		return 0
	}
	defer release()

	resend, exhausted := n.outbox.due(now, timeout, maxRetries)
	for _, r := range exhausted {
		log.Warnf("task %s to %s unacked after %d retransmissions", r.id, shortID(r.peer), r.attempt)
		n.emit(Event{Type: EventErrorOccurred, Peer: r.peer, TaskID: r.id, Detail: "retransmit", Err: ErrAckTimeout})
	}
	sent := 0
	for _, r := range resend {
		pctx, cancel := context.WithTimeout(ctx, receiptPublishTimeout)
		err := n.publishRaw(pctx, r.topic, EnvelopeTypeTask, r.id, r.raw)
		cancel()
		if err != nil {
			continue
		}
		retransmissions.Inc()
		log.Infof("retransmitted task %s to %s (attempt %d)", r.id, shortID(r.peer), r.attempt)
		sent++
	}
	return sent
}

func (n *Node) logNetworkHealth(ctx context.Context) {
	defer n.loops.Done()
	ticker := time.NewTicker(networkHealthLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pending, inFlight := n.inbox.Counts()
			log.Infof("known peers: %d | pending tasks: %d | in flight: %d | awaiting ack: %d", n.directory.Len(), pending, inFlight, n.outbox.awaitingAck())
		case <-ctx.Done():
			return
		}
	}
}
