package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	defaultServiceTag    = "a2a-node"
	bootstrapDialTimeout = 10 * time.Second
	mdnsConnectTimeout   = 10 * time.Second
)

type GossipOptions struct {
	ListenAddr string
	Bootstrap  []string
	MDNS       bool
	DHT        bool
	ServiceTag string
}

// GossipTransport runs topics over libp2p gossipsub on a host it owns.
type GossipTransport struct {
	host   host.Host
	ps     *pubsub.PubSub
	kdht   *dht.IpfsDHT
	mdns   mdns.Service
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

func DialGossip(ctx context.Context, opts GossipOptions) (*GossipTransport, error) {
	listen := opts.ListenAddr
	if listen == "" {
		listen = "/ip4/127.0.0.1/tcp/0"
	}
	listenAddr, err := ma.NewMultiaddr(listen)
	if err != nil {
		return nil, fmt.Errorf("%w: listen address %q: %v", ErrInvalidArgument, listen, err)
	}
	h, err := libp2p.New(libp2p.ListenAddrs(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	tctx, cancel := context.WithCancel(context.Background())
	t := &GossipTransport{
		host:   h,
		ctx:    tctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.DHT {
		kdht, err := dht.New(tctx, h, dht.Mode(dht.ModeServer))
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		t.kdht = kdht
	}

	t.connectBootstrap(ctx, opts.Bootstrap)

	if t.kdht != nil {
		if err := t.kdht.Bootstrap(tctx); err != nil {
			t.Close()
			return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(tctx, h)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	t.ps = ps

	if opts.MDNS {
		tag := opts.ServiceTag
		if tag == "" {
			tag = defaultServiceTag
		}
		svc := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
		if err := svc.Start(); err != nil {
			log.Warnf("mDNS failed to start (LAN discovery unavailable): %v", err)
		} else {
			t.mdns = svc
		}
	}
	log.Infof("gossip transport listening as %s on %v", h.ID(), t.DialAddrs())
	return t, nil
}

func (t *GossipTransport) connectBootstrap(ctx context.Context, addrs []string) {
	var wg sync.WaitGroup
	for _, raw := range addrs {
		info, err := peer.AddrInfoFromString(raw)
		if err != nil {
			log.Warnf("bad bootstrap address %q: %v", raw, err)
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, bootstrapDialTimeout)
			defer cancel()
			if err := t.host.Connect(cctx, pi); err != nil {
				log.Warnf("bootstrap connect to %s failed: %v", pi.ID, err)
				return
			}
			log.Infof("bootstrap connected to %s", pi.ID)
		}(*info)
	}
	wg.Wait()
}

// Host exposes the underlying libp2p host, mainly so tests can wire peers together.
func (t *GossipTransport) Host() host.Host { return t.host }

// DialAddrs returns the host's listen addresses with its peer id appended, in the form
// other nodes accept as bootstrap entries.
func (t *GossipTransport) DialAddrs() []string {
	self, err := ma.NewMultiaddr("/p2p/" + t.host.ID().String())
	if err != nil {
		return nil
	}
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Encapsulate(self).String())
	}
	return out
}

func (t *GossipTransport) topic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}
	if tp, ok := t.topics[name]; ok {
		return tp, nil
	}
	tp, err := t.ps.Join(name)
	if err != nil {
		return nil, err
	}
	t.topics[name] = tp
	return tp, nil
}

func (t *GossipTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	tp, err := t.topic(topic)
	if err != nil {
		return err
	}
	return tp.Publish(ctx, payload)
}

func (t *GossipTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) (Subscription, error) {
	tp, err := t.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(t.ctx)
	go func() {
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			handler(topic, msg.Data)
		}
	}()
	return &subscriptionFunc{topic: topic, cancel: func() {
		cancel()
		sub.Cancel()
	}}, nil
}

func (t *GossipTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := t.topics
	t.topics = nil
	t.mu.Unlock()

	t.cancel()
	for name, tp := range topics {
		if err := tp.Close(); err != nil {
			log.Debugf("topic %s close: %v", name, err)
		}
	}
	if t.mdns != nil {
		_ = t.mdns.Close()
	}
	if t.kdht != nil {
		_ = t.kdht.Close()
	}
	return t.host.Close()
}

type mdnsNotifee struct{ h host.Host }

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mdnsConnectTimeout)
	defer cancel()
	if err := m.h.Connect(ctx, pi); err != nil {
		log.Debugf("mDNS connect to %s failed: %v", pi.ID, err)
		return
	}
	log.Infof("mDNS found peer %s", pi.ID)
}
