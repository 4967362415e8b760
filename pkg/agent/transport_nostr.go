package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// KindEnvelope is the regular event kind carrying one envelope per event.
	KindEnvelope nostr.Kind = 4373

	topicTagName        = "t"
	relayPublishTimeout = 8 * time.Second
	relaySeenCacheSize  = 8192
)

// NostrTransport maps topics onto a "t" tag of KindEnvelope events signed with the node key.
type NostrTransport struct {
	id      *Identity
	journal *Journal

	mu     sync.RWMutex
	relays []relayClient
	seen   *lru.Cache[string, struct{}]
	ctx    context.Context
	cancel context.CancelFunc
}

// DialNostr connects to every reachable relay. It fails only when none can be reached.
func DialNostr(ctx context.Context, urls []string, id *Identity, journal *Journal) (*NostrTransport, error) {
	relays := make([]relayClient, 0, len(urls))
	var errs []string
	for _, u := range urls {
		r, err := connectRelay(ctx, u)
		if err != nil {
			log.Warnf("relay %s unreachable: %v", u, err)
			errs = append(errs, fmt.Sprintf("%s: %v", u, err))
			continue
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("connect relays: %s", strings.Join(errs, "; "))
	}
	return newNostrTransport(relays, id, journal), nil
}

func newNostrTransport(relays []relayClient, id *Identity, journal *Journal) *NostrTransport {
	seen, _ := lru.New[string, struct{}](relaySeenCacheSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &NostrTransport{
		id:      id,
		journal: journal,
		relays:  relays,
		seen:    seen,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *NostrTransport) RelayURLs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.relays))
	for _, r := range t.relays {
		out = append(out, r.URL())
	}
	return out
}

func (t *NostrTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	evt := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      KindEnvelope,
		Tags:      nostr.Tags{nostr.Tag{topicTagName, topic}},
		Content:   string(payload),
	}
	if err := t.id.WithNostrKey(func(sk nostr.SecretKey) error { return evt.Sign(sk) }); err != nil {
		return err
	}
	t.mu.RLock()
	relays := append([]relayClient(nil), t.relays...)
	t.mu.RUnlock()

	okCount, errs := publishEventToRelays(ctx, evt, relays)
	if okCount == 0 {
		return fmt.Errorf("publish failed on all relays: %s", strings.Join(errs, "; "))
	}
	return nil
}

func publishEventToRelays(ctx context.Context, evt nostr.Event, relays []relayClient) (int, []string) {
	if len(relays) == 0 {
		return 0, []string{"no connected relays"}
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	errs := make([]string, 0, len(relays))
	for _, relay := range relays {
		wg.Add(1)
		go func(r relayClient) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			defer cancel()
			err := r.Publish(pctx, evt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", r.URL(), err))
				return
			}
			okCount++
		}(relay)
	}
	wg.Wait()
	return okCount, errs
}

func (t *NostrTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) (Subscription, error) {
	t.mu.RLock()
	relays := append([]relayClient(nil), t.relays...)
	t.mu.RUnlock()

	subCtx, cancel := context.WithCancel(t.ctx)
	started := 0
	var errs []string
	for _, relay := range relays {
		filter := nostr.Filter{
			Kinds: []nostr.Kind{KindEnvelope},
			Tags:  nostr.TagMap{topicTagName: []string{topic}},
		}
		cursorKey := relayCursorKey(relay.URL(), topic)
		if t.journal != nil {
			if ts, _, err := t.journal.GetRelayCursor(cursorKey); err == nil && ts > 0 {
				filter.Since = nostr.Timestamp(ts + 1)
				log.Debugf("backfill %s since %d", cursorKey, ts+1)
			}
		}
		sub, err := relay.Subscribe(subCtx, filter, nostr.SubscriptionOptions{})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", relay.URL(), err))
			continue
		}
		started++
		go t.consume(relay.URL(), topic, sub, handler)
	}
	if started == 0 {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %s", topic, strings.Join(errs, "; "))
	}
	return &subscriptionFunc{topic: topic, cancel: cancel}, nil
}

func (t *NostrTransport) consume(relayURL, topic string, sub *nostr.Subscription, handler MessageHandler) {
	cursorKey := relayCursorKey(relayURL, topic)
	for evt := range sub.Events {
		if tag := evt.Tags.Find(topicTagName); len(tag) < 2 || tag[1] != topic {
			continue
		}
		id := evt.ID.Hex()
		if seen, _ := t.seen.ContainsOrAdd(topic+"|"+id, struct{}{}); seen {
			continue
		}
		handler(topic, []byte(evt.Content))
		if t.journal != nil {
			if err := t.journal.SaveRelayCursor(cursorKey, int64(evt.CreatedAt), id); err != nil {
				log.Warnf("cursor save failed for %s: %v", cursorKey, err)
			}
		}
	}
}

func (t *NostrTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	relays := t.relays
	t.relays = nil
	t.mu.Unlock()
	for _, r := range relays {
		r.Close()
	}
	return nil
}

func relayCursorKey(relayURL, topic string) string {
	return relayURL + "|" + topic
}
