package coord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	defaultReplicationFactor = 3
	defaultMinReplicas       = 2
	defaultOperationTimeout  = 10 * time.Second
	defaultRetrieveTimeout   = 5 * time.Second
	defaultMaxPayload        = 64 << 20
	defaultMailboxSize       = 1024
	maxTombstones            = 4096
	fileIDAttempts           = 32
)

// Config contains configuration for the coordinator.
type Config struct {
	ReplicationFactor int           // Peers chosen per upload
	MinReplicas       int           // Fewest live peers an upload may start with
	OperationTimeout  time.Duration // Deadline for all STORE_ACKs of one upload
	RetrieveTimeout   time.Duration // Deadline for a single RETRIEVE attempt
	MaxPayload        int64         // Largest accepted upload in bytes
	MailboxSize       int           // Buffered events before posters block
	Logger            zerolog.Logger
	Metrics           *Metrics // nil creates unregistered metrics

	// NewFileID overrides the file id generator. Used by tests to force collisions.
	NewFileID func() string
}

// Coordinator owns the peer registry, the file catalog and the pending
// operation table. Every access to them happens on a single goroutine that
// drains the mailbox, so none of that state is locked.
type Coordinator struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics

	mailbox  chan func()
	done     chan struct{}
	cancel   context.CancelFunc
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	// Loop-owned state.
	registry   *registry
	catalog    *catalog
	pending    *pendingTable
	reserved   map[string]struct{} // file ids held by in-flight uploads
	tombstones *lru.Cache[string, *tombstone]

	newFileID func() string
	now       func() time.Time
}

// New creates a coordinator. Call Start before submitting operations.
func New(cfg Config) *Coordinator {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = defaultReplicationFactor
	}
	if cfg.MinReplicas <= 0 {
		cfg.MinReplicas = defaultMinReplicas
	}
	cfg.MinReplicas = min(cfg.MinReplicas, cfg.ReplicationFactor)
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = defaultRetrieveTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = defaultMaxPayload
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.NewFileID == nil {
		cfg.NewFileID = randomFileID
	}

	// Only a non-positive size is rejected.
	tombstones, _ := lru.New[string, *tombstone](maxTombstones)

	return &Coordinator{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "coordinator").Logger(),
		metrics:    cfg.Metrics,
		mailbox:    make(chan func(), cfg.MailboxSize),
		done:       make(chan struct{}),
		registry:   newRegistry(),
		catalog:    newCatalog(),
		pending:    newPendingTable(),
		reserved:   make(map[string]struct{}),
		tombstones: tombstones,
		newFileID:  cfg.NewFileID,
		now:        time.Now,
	}
}

// randomFileID returns 8 upper-case hex characters of a random UUID.
func randomFileID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info().
		Int("replication_factor", c.cfg.ReplicationFactor).
		Int("min_replicas", c.cfg.MinReplicas).
		Dur("operation_timeout", c.cfg.OperationTimeout).
		Msg("starting coordinator")
	go c.run(ctx)
}

// Stop terminates the event loop. Operations still in flight fail with
// ErrShuttingDown and every peer channel is closed.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.startMu.Lock()
		cancel := c.cancel
		c.started = true
		c.startMu.Unlock()

		c.logger.Info().Msg("stopping coordinator")
		if cancel == nil {
			close(c.done)
			return
		}
		cancel()
		<-c.done
	})
}

// Done is closed once the event loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case fn := <-c.mailbox:
			fn()
		}
	}
}

func (c *Coordinator) shutdown() {
	for _, id := range c.pending.ids() {
		entry, ok := c.pending.get(id)
		if !ok {
			continue
		}
		c.pending.remove(id)
		entry.op.abort(ErrShuttingDown)
	}
	for _, ch := range c.registry.channels() {
		_ = ch.Close()
	}
	c.updateGauges()
}

// post queues fn for the event loop. It reports false once the loop has exited.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.mailbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for the value it delivers through reply.
// fn may deliver asynchronously, after later peer events.
func call[T any](ctx context.Context, c *Coordinator, fn func(reply func(T, error))) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	var once sync.Once
	reply := func(v T, err error) {
		once.Do(func() { ch <- result{v, err} })
	}

	var zero T
	if !c.post(func() { fn(reply) }) {
		return zero, ErrShuttingDown
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		// The loop may have answered just before exiting.
		select {
		case r := <-ch:
			return r.val, r.err
		default:
			return zero, ErrShuttingDown
		}
	}
}

// Register adds a storage peer, or replaces the channel of a peer that
// registered before. The peer receives REGISTER_ACK on ch before any request.
// Work still waiting on a replaced channel fails as if that peer had
// disconnected.
func (c *Coordinator) Register(ctx context.Context, peerID string, ch PeerChannel) error {
	_, err := call(ctx, c, func(reply func(struct{}, error)) {
		reply(struct{}{}, c.register(peerID, ch))
	})
	return err
}

func (c *Coordinator) register(peerID string, ch PeerChannel) error {
	if strings.TrimSpace(peerID) == "" {
		err := fmt.Errorf("%w: empty peer id", ErrInvalidRequest)
		c.sendRegisterAck(ch, peerID, err)
		return err
	}

	// Take the old channel out of service before anything can retry on it.
	if current, ok := c.registry.liveChannel(peerID); ok && current != ch {
		c.registry.markDisconnected(peerID, current, c.now())
		c.failPeer(peerID)
	}
	old := c.registry.register(peerID, ch, c.now())
	if old != nil {
		c.logger.Info().Str("peer", peerID).Msg("peer re-registered, replacing channel")
		_ = old.Close()
	} else {
		c.logger.Info().Str("peer", peerID).Msg("peer registered")
	}
	c.sendRegisterAck(ch, peerID, nil)
	c.updateGauges()
	return nil
}

func (c *Coordinator) sendRegisterAck(ch PeerChannel, peerID string, err error) {
	msg, mErr := proto.NewMessage(proto.TypeRegisterAck, "", proto.RegisterAckPayload{
		NodeID: peerID,
		Error:  FailureFor(err),
	})
	if mErr != nil {
		c.logger.Error().Err(mErr).Msg("build register ack")
		return
	}
	if sErr := ch.Send(msg); sErr != nil {
		c.logger.Debug().Err(sErr).Str("peer", peerID).Msg("send register ack")
	}
}

// PeerDisconnected reports that ch, the channel of peerID, has closed.
// Notifications for a channel that was already replaced are ignored.
func (c *Coordinator) PeerDisconnected(peerID string, ch PeerChannel) {
	c.post(func() {
		if !c.registry.markDisconnected(peerID, ch, c.now()) {
			return
		}
		c.logger.Info().Str("peer", peerID).Msg("peer disconnected")
		c.failPeer(peerID)
		c.updateGauges()
	})
}

// failPeer tells every pending operation that peerID is gone.
func (c *Coordinator) failPeer(peerID string) {
	for _, id := range c.pending.ids() {
		if entry, ok := c.pending.get(id); ok {
			entry.op.onPeerDown(peerID)
		}
	}
}

// HandlePeerMessage routes a reply from peerID to the operation that owns
// its correlation id.
func (c *Coordinator) HandlePeerMessage(peerID string, msg *proto.Message) {
	c.post(func() {
		if entry, ok := c.pending.get(msg.ID); ok {
			entry.op.onReply(peerID, msg)
			c.updateGauges()
			return
		}
		c.handleUnmatched(peerID, msg)
	})
}

// handleUnmatched deals with peer messages that match no pending operation.
func (c *Coordinator) handleUnmatched(peerID string, msg *proto.Message) {
	switch msg.Type {
	case proto.TypeStoreAck:
		c.rollbackLateAck(peerID, msg)
	case proto.TypeDeleteAck:
		var ack proto.DeleteAckPayload
		if err := msg.Decode(proto.TypeDeleteAck, &ack); err != nil {
			c.logger.Debug().Err(err).Str("peer", peerID).Msg("malformed delete ack")
			return
		}
		if ack.Error != nil {
			c.logger.Warn().Str("peer", peerID).Str("file_id", ack.FileID).Str("error", ack.Error.Error()).Msg("peer failed to delete replica")
			return
		}
		c.logger.Debug().Str("peer", peerID).Str("file_id", ack.FileID).Msg("replica deleted")
	default:
		c.logger.Debug().
			Str("peer", peerID).
			Str("type", string(msg.Type)).
			Str("id", msg.ID).
			Msg("ignoring peer message for unknown operation")
	}
}

// addPending registers op under id with a deadline after d.
func (c *Coordinator) addPending(id string, op pendingOp, d time.Duration) {
	entry := &pendingEntry{op: op, deadline: c.now().Add(d)}
	entry.timer = time.AfterFunc(d, func() {
		c.post(func() { c.expire(id) })
	})
	c.pending.add(id, entry)
	c.updateGauges()
}

// expire fires the timeout of id unless it was already resolved.
func (c *Coordinator) expire(id string) {
	entry, ok := c.pending.get(id)
	if !ok {
		return
	}
	c.pending.remove(id)
	entry.op.onTimeout()
	c.updateGauges()
}

// removePending resolves id. It reports whether id was still pending.
func (c *Coordinator) removePending(id string) bool {
	ok := c.pending.remove(id)
	c.updateGauges()
	return ok
}

// sendTo queues msg for a live peer.
func (c *Coordinator) sendTo(peerID string, msg *proto.Message) error {
	ch, ok := c.registry.liveChannel(peerID)
	if !ok {
		return fmt.Errorf("peer %s is not connected", peerID)
	}
	return ch.Send(msg)
}

// sendDelete queues a best-effort DELETE of fileID to peerID.
func (c *Coordinator) sendDelete(peerID, fileID string) {
	msg, err := proto.NewMessage(proto.TypeDelete, uuid.NewString(), proto.DeletePayload{FileID: fileID})
	if err != nil {
		c.logger.Error().Err(err).Msg("build delete")
		return
	}
	if err := c.sendTo(peerID, msg); err != nil {
		c.logger.Debug().Err(err).Str("peer", peerID).Str("file_id", fileID).Msg("delete not sent")
	}
}

func (c *Coordinator) updateGauges() {
	c.metrics.LivePeers.Set(float64(c.registry.liveCount()))
	c.metrics.Files.Set(float64(c.catalog.len()))
	c.metrics.PendingOperations.Set(float64(c.pending.len()))
}

// ListFiles returns the catalog in confirmation order.
func (c *Coordinator) ListFiles(ctx context.Context) ([]FileRecord, error) {
	return call(ctx, c, func(reply func([]FileRecord, error)) {
		reply(c.catalog.list(), nil)
	})
}

// Status summarises coordinator state for the status endpoint.
type Status struct {
	Peers             []PeerInfo `json:"peers"`
	LivePeers         []string   `json:"live_peers"`
	Files             int        `json:"files"`
	PendingOperations int        `json:"pending_operations"`
	ReplicationFactor int        `json:"replication_factor"`
	MinReplicas       int        `json:"min_replicas"`
}

// Status returns a snapshot of the registry and catalog sizes.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	return call(ctx, c, func(reply func(Status, error)) {
		reply(Status{
			Peers:             c.registry.snapshot(),
			LivePeers:         c.registry.listLive(),
			Files:             c.catalog.len(),
			PendingOperations: c.pending.len(),
			ReplicationFactor: c.cfg.ReplicationFactor,
			MinReplicas:       c.cfg.MinReplicas,
		}, nil)
	})
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(codeFor(err)))
}
