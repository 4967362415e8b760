package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWakuPubsubTopic  = "/waku/2/default-waku/proto"
	defaultWakuPollInterval = 500 * time.Millisecond
	wakuRequestTimeout      = 10 * time.Second
)

type WakuOptions struct {
	PubsubTopic  string
	PollInterval time.Duration
	Client       *http.Client
}

type wakuMessage struct {
	Payload      []byte `json:"payload"`
	ContentTopic string `json:"contentTopic"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// WakuTransport talks to a running nwaku node over its REST API. Topics travel as content
// topics on a single pubsub topic; one poller drains the node cache and fans out.
type WakuTransport struct {
	baseURL     string
	pubsubTopic string
	client      *http.Client
	interval    time.Duration

	mu       sync.RWMutex
	handlers map[string]map[uint64]MessageHandler
	nextID   uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func DialWaku(ctx context.Context, baseURL string, opts WakuOptions) (*WakuTransport, error) {
	if opts.PubsubTopic == "" {
		opts.PubsubTopic = DefaultWakuPubsubTopic
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultWakuPollInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: wakuRequestTimeout}
	}
	tctx, cancel := context.WithCancel(context.Background())
	t := &WakuTransport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		pubsubTopic: opts.PubsubTopic,
		client:      opts.Client,
		interval:    opts.PollInterval,
		handlers:    make(map[string]map[uint64]MessageHandler),
		ctx:         tctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if err := t.subscribePubsub(ctx); err != nil {
		cancel()
		return nil, err
	}
	go t.pollLoop()
	return t, nil
}

func (t *WakuTransport) messagesURL() string {
	return t.baseURL + "/relay/v1/messages/" + url.PathEscape(t.pubsubTopic)
}

func (t *WakuTransport) subscribePubsub(ctx context.Context) error {
	body, _ := json.Marshal([]string{t.pubsubTopic})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/relay/v1/subscriptions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("nwaku subscribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("nwaku subscribe failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (t *WakuTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	body, err := json.Marshal(wakuMessage{
		Payload:      payload,
		ContentTopic: topic,
		Timestamp:    time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("nwaku publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("nwaku publish failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (t *WakuTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}
	t.nextID++
	id := t.nextID
	if t.handlers[topic] == nil {
		t.handlers[topic] = make(map[uint64]MessageHandler)
	}
	t.handlers[topic][id] = handler
	return &subscriptionFunc{topic: topic, cancel: func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[topic], id)
		if len(t.handlers[topic]) == 0 {
			delete(t.handlers, topic)
		}
	}}, nil
}

func (t *WakuTransport) pollLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			msgs, err := t.poll(t.ctx)
			if err != nil {
				if t.ctx.Err() == nil {
					log.Debugf("nwaku poll: %v", err)
				}
				continue
			}
			t.dispatch(msgs)
		}
	}
}

func (t *WakuTransport) poll(ctx context.Context) ([]wakuMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.messagesURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("nwaku poll failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var msgs []wakuMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("nwaku poll decode: %w", err)
	}
	return msgs, nil
}

func (t *WakuTransport) dispatch(msgs []wakuMessage) {
	for _, m := range msgs {
		t.mu.RLock()
		handlers := make([]MessageHandler, 0, len(t.handlers[m.ContentTopic]))
		for _, h := range t.handlers[m.ContentTopic] {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()
		for _, h := range handlers {
			h(m.ContentTopic, m.Payload)
		}
	}
}

func (t *WakuTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string]map[uint64]MessageHandler)
	t.mu.Unlock()
	t.cancel()
	<-t.done
	return nil
}
