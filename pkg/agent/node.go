package agent

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxClockSkew bounds how far in the future a peer's sent_at may place its directory entry.
const MaxClockSkew = 30 * time.Second

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CardFilter admits or rejects a verified card before it reaches the directory.
type CardFilter func(card AgentCard) bool

// MessageCallback receives plain direct messages.
type MessageCallback func(from, text string)

type Option func(*Node)

func WithObserver(o Observer) Option {
	return func(n *Node) {
		if o != nil {
			n.observer = o
		}
	}
}

// WithTransport supplies a transport the node uses instead of dialing its endpoint.
// The node does not close it.
func WithTransport(t Transport) Option {
	return func(n *Node) { n.transportOverride = t }
}

// WithJournal supplies an open journal. The node does not close it.
func WithJournal(j *Journal) Option {
	return func(n *Node) { n.journalOverride = j }
}

func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

func WithMessageHandler(fn MessageCallback) Option {
	return func(n *Node) { n.onMessage = fn }
}

func WithCardFilter(fn CardFilter) Option {
	return func(n *Node) { n.cardFilter = fn }
}

// WithKeySource replaces crypto/rand as the entropy source for key generation.
func WithKeySource(r io.Reader) Option {
	return func(n *Node) { n.keySource = r }
}

// Node is one A2A participant: identity, directory, inbox and the transport wiring between them.
type Node struct {
	observer          Observer
	now               func() time.Time
	keySource         io.Reader
	cardFilter        CardFilter
	onMessage         MessageCallback
	transportOverride Transport
	journalOverride   *Journal

	directory *Directory
	inbox     *TaskInbox
	outbox    *outbox
	seen      *lru.Cache[string, string]

	blockMu sync.RWMutex
	blocked map[string]struct{}

	// lifecycle serializes Init and Shutdown.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	cfg           Config
	state         State
	inboundOpen   bool
	identity      *Identity
	card          AgentCard
	cardJSON      string
	sealers       map[string]Sealer
	x25519        *x25519Sealer
	transport     Transport
	ownsTransport bool
	journal       *Journal
	ownsJournal   bool
	subs          []Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	inflight sync.WaitGroup
	loops    sync.WaitGroup
	wipes    atomic.Int32
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:      cfg,
		observer: NoOpObserver{},
		now:      time.Now,
		blocked:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	seenSize := cfg.SeenCacheSize
	if seenSize <= 0 {
		seenSize = defaultSeenCacheSize
	}
	n.seen, _ = lru.New[string, string](seenSize)
	n.directory = NewDirectory(cfg.directoryTTL())
	n.directory.now = n.now
	n.inbox = NewTaskInbox(cfg.MaxPendingTasks, cfg.RespondedCacheSize)
	n.outbox = newOutbox(defaultOutboxSize)
	for _, p := range cfg.BlockedPeers {
		if id, err := NormalizePublicID(p); err == nil {
			n.blocked[id] = struct{}{}
		}
	}
	if n.journalOverride != nil {
		n.loadBlockedPeers(n.journalOverride)
	}
	return n
}

// Init creates the node identity, connects the transport and subscribes to the discovery
// and direct topics. Empty name, description or endpoint fall back to the configuration.
func (n *Node) Init(ctx context.Context, name, description, endpoint string, encrypted bool) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.RLock()
	st := n.state
	cfg := n.cfg
	n.mu.RUnlock()
	if st != StateUninitialized {
		return fmt.Errorf("%w: node is %s", ErrInitialization, st)
	}

	if strings.TrimSpace(name) != "" {
		cfg.Name = strings.TrimSpace(name)
	}
	if strings.TrimSpace(description) != "" {
		cfg.Description = strings.TrimSpace(description)
	}
	if strings.TrimSpace(endpoint) != "" {
		cfg.Endpoint = strings.TrimSpace(endpoint)
	}
	cfg.Encrypted = encrypted
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	source := n.keySource
	if source == nil {
		source = rand.Reader
	}
	id, err := GenerateIdentityFrom(source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	sealers := map[string]Sealer{SchemeNIP44: newNIP44Sealer(id)}
	var xs *x25519Sealer
	var bundle *IntroBundle
	if cfg.scheme() == SchemeX25519 {
		xs, err = newX25519Sealer(source)
		if err != nil {
			n.wipeKeys(id, nil)
			return fmt.Errorf("%w: %w", ErrInitialization, err)
		}
		sealers[SchemeX25519] = xs
		bundle = xs.bundle(id.PublicID())
	}

	card, err := BuildCard(id, cfg.Name, cfg.Description, cfg.Capabilities, bundle)
	if err != nil {
		n.wipeKeys(id, xs)
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	cardJSON, err := card.JSON()
	if err != nil {
		n.wipeKeys(id, xs)
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	journal, ownsJournal := n.journalOverride, false
	if journal == nil && cfg.JournalPath != "" {
		journal, err = OpenJournal(cfg.JournalPath)
		if err != nil {
			n.wipeKeys(id, xs)
			return fmt.Errorf("%w: journal: %w", ErrInitialization, err)
		}
		ownsJournal = true
		n.loadBlockedPeers(journal)
	}

	transport, ownsTransport := n.transportOverride, false
	if transport == nil {
		transport, err = OpenTransport(ctx, cfg.Endpoint, TransportOptions{Identity: id, Journal: journal, Config: cfg})
		if err != nil {
			if ownsJournal {
				_ = journal.Close()
			}
			n.wipeKeys(id, xs)
			return fmt.Errorf("%w: transport: %w", ErrInitialization, err)
		}
		ownsTransport = true
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cfg = cfg
	n.identity = id
	n.card = card
	n.cardJSON = string(cardJSON)
	n.sealers = sealers
	n.x25519 = xs
	n.transport = transport
	n.ownsTransport = ownsTransport
	n.journal = journal
	n.ownsJournal = ownsJournal
	n.ctx = loopCtx
	n.cancel = cancel
	n.inboundOpen = true
	n.mu.Unlock()

	var subs []Subscription
	for _, s := range []struct {
		topic   string
		handler MessageHandler
	}{
		{DiscoveryTopic, n.handleDiscovery},
		{DirectTopic(id.PublicID()), n.handleDirect},
	} {
		sub, err := transport.Subscribe(ctx, s.topic, s.handler)
		if err != nil {
			n.abortInit(subs)
			return fmt.Errorf("%w: subscribe %s: %w", ErrInitialization, s.topic, err)
		}
		subs = append(subs, sub)
	}

	n.mu.Lock()
	n.subs = subs
	n.state = StateReady
	n.mu.Unlock()

	n.startLoops(loopCtx, cfg)
	log.Infof("node %s ready as %s on %s (encrypted=%v scheme=%s)", cfg.Name, shortID(id.PublicID()), cfg.Endpoint, cfg.Encrypted, cfg.scheme())
	n.emit(Event{Type: EventInitialized, Peer: id.PublicID()})
	return nil
}

// abortInit undoes a partially completed Init and leaves the node Uninitialized.
func (n *Node) abortInit(subs []Subscription) {
	n.mu.Lock()
	n.inboundOpen = false
	id, xs := n.identity, n.x25519
	transport, ownsTransport := n.transport, n.ownsTransport
	journal, ownsJournal := n.journal, n.ownsJournal
	cancel := n.cancel
	n.identity, n.x25519, n.sealers = nil, nil, nil
	n.transport, n.journal = nil, nil
	n.card, n.cardJSON = AgentCard{}, ""
	n.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	cancel()
	n.inflight.Wait()
	if ownsTransport {
		_ = transport.Close()
	}
	if ownsJournal {
		_ = journal.Close()
	}
	n.wipeKeys(id, xs)

	// state taken in under the discarded identity must not leak into a retried Init
	n.inbox.Reset()
	n.outbox.reset()
	n.directory.Reset()
	n.seen.Purge()
	directoryPeers.Set(0)
}

func (n *Node) wipeKeys(id *Identity, xs *x25519Sealer) {
	if id != nil && id.Wipe() {
		n.wipes.Add(1)
	}
	if xs != nil {
		xs.wipe()
	}
}

// Shutdown stops inbound processing, cancels subscriptions, waits for in-flight work and
// wipes the key material. It is a no-op unless the node is Ready.
func (n *Node) Shutdown() {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.Lock()
	if n.state != StateReady {
		n.mu.Unlock()
		return
	}
	n.state = StateShuttingDown
	n.inboundOpen = false
	subs := n.subs
	n.subs = nil
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	for _, s := range subs {
		s.Cancel()
	}
	n.loops.Wait()
	n.inflight.Wait()

	n.wipeKeys(n.identity, n.x25519)
	if n.ownsTransport {
		if err := n.transport.Close(); err != nil {
			log.Warnf("transport close: %v", err)
		}
	}
	if n.ownsJournal {
		if err := n.journal.Close(); err != nil {
			log.Warnf("journal close: %v", err)
		}
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
	log.Infof("node %s stopped", shortID(n.identity.PublicID()))
	n.emit(Event{Type: EventShutdown, Peer: n.identity.PublicID()})
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) Config() Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg
}

// PubKey returns the node's public identifier.
func (n *Node) PubKey() (string, error) {
	release, err := n.acquire()
	if err != nil {
		return "", err
	}
	defer release()
	return n.identity.PublicID(), nil
}

// AgentCardJSON returns the signed card as JSON.
func (n *Node) AgentCardJSON() (string, error) {
	release, err := n.acquire()
	if err != nil {
		return "", err
	}
	defer release()
	return n.cardJSON, nil
}

func (n *Node) Card() (AgentCard, error) {
	release, err := n.acquire()
	if err != nil {
		return AgentCard{}, err
	}
	defer release()
	return n.card, nil
}

// Journal returns the journal in use, or nil.
func (n *Node) Journal() *Journal {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.journal != nil {
		return n.journal
	}
	return n.journalOverride
}

// acquire registers a caller operation. The returned release must be called when done.
func (n *Node) acquire() (func(), error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateReady {
		return nil, fmt.Errorf("%w: node is %s", ErrNotReady, n.state)
	}
	n.inflight.Add(1)
	return n.inflight.Done, nil
}

// enterInbound registers a transport callback. It fails once shutdown has begun.
func (n *Node) enterInbound() (func(), bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.inboundOpen {
		return nil, false
	}
	n.inflight.Add(1)
	return n.inflight.Done, true
}

func (n *Node) retransmitTimeout() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.retransmitTimeout()
}

func (n *Node) self() string {
	return n.identity.PublicID()
}

func (n *Node) emit(e Event) {
	if e.At.IsZero() {
		e.At = n.now()
	}
	n.observer.OnEvent(e)
}
