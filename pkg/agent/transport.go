package agent

import (
	"context"
	"fmt"
	"strings"
)

// MessageHandler receives raw payloads delivered on a subscribed topic. Handlers may be
// invoked concurrently.
type MessageHandler func(topic string, payload []byte)

type Subscription interface {
	Topic() string
	Cancel()
}

// Transport is the publish/subscribe capability the node runs on.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Close() error
}

// TransportOptions carries what concrete transports may need beyond the endpoint.
type TransportOptions struct {
	Identity *Identity
	Journal  *Journal
	Config   Config
}

// OpenTransport dials the transport selected by the endpoint scheme:
//
//	memory://<bus>             in-process bus
//	ws://, wss://              nostr relays (comma separated)
//	redis://, rediss://        redis pub/sub
//	http://, https://          nwaku REST API
//	/ip4/..., /ip6/..., /dns/  libp2p gossipsub listen address
func OpenTransport(ctx context.Context, endpoint string, opts TransportOptions) (Transport, error) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case endpoint == "":
		return nil, fmt.Errorf("%w: transport endpoint is required", ErrInvalidArgument)
	case strings.HasPrefix(endpoint, "memory://"):
		return SharedMemoryBus(strings.TrimPrefix(endpoint, "memory://")).Transport(), nil
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		urls := parseRelayURLs(endpoint)
		if len(urls) == 0 {
			return nil, fmt.Errorf("%w: no relay urls in %q", ErrInvalidArgument, endpoint)
		}
		if opts.Identity == nil {
			return nil, fmt.Errorf("%w: relay transport needs an identity", ErrInvalidArgument)
		}
		return DialNostr(ctx, urls, opts.Identity, opts.Journal)
	case strings.HasPrefix(endpoint, "redis://"), strings.HasPrefix(endpoint, "rediss://"):
		return DialRedis(ctx, endpoint)
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return DialWaku(ctx, endpoint, WakuOptions{})
	case strings.HasPrefix(endpoint, "/"):
		return DialGossip(ctx, GossipOptions{
			ListenAddr: endpoint,
			Bootstrap:  opts.Config.Bootstrap,
			MDNS:       opts.Config.MDNS,
			DHT:        opts.Config.DHT,
			ServiceTag: opts.Config.ServiceTag,
		})
	}
	return nil, fmt.Errorf("%w: unsupported transport endpoint %q", ErrInvalidArgument, endpoint)
}

func parseRelayURLs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		u := strings.TrimSpace(p)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

type subscriptionFunc struct {
	topic  string
	cancel func()
}

func (s *subscriptionFunc) Topic() string { return s.topic }
func (s *subscriptionFunc) Cancel()       { s.cancel() }
