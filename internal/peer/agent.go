// Package peer implements the storage peer: it registers with the
// coordinator under a stable id and stores, serves and deletes replicas on
// request.
package peer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peervault/peervault/internal/blobstore"
	"github.com/peervault/peervault/internal/checksum"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/internal/wsclient"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultRegisterTimeout  = 10 * time.Second
	defaultConcurrentWorker = 8
)

// ErrRegistrationRejected is returned by Run when the coordinator refuses
// the peer's id. Retrying would not help.
var ErrRegistrationRejected = errors.New("registration rejected")

// RequestObserver records served requests. kind is "store", "retrieve" or
// "delete"; result is "ok" or a lowercased error code.
type RequestObserver interface {
	ObserveRequest(kind, result string, bytes int, d time.Duration)
}

// Config contains configuration for an Agent.
type Config struct {
	ID        string
	ServerURL string
	Store     *blobstore.Store
	Logger    zerolog.Logger

	MinBackoff      time.Duration // First reconnect delay
	MaxBackoff      time.Duration // Reconnect delay cap
	RegisterTimeout time.Duration // Wait for REGISTER_ACK
	Workers         int           // Requests handled concurrently
	MaxPayload      int64         // Largest blob accepted in one frame

	Observer RequestObserver // Optional
}

// Stats counts the requests an agent has served.
type Stats struct {
	Stored    uint64 `json:"stored"`
	Retrieved uint64 `json:"retrieved"`
	Deleted   uint64 `json:"deleted"`
	Failed    uint64 `json:"failed"`
	Sessions  uint64 `json:"sessions"`
}

// Agent is a storage peer's connection to the coordinator.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	connected bool

	stored, retrieved, deleted, failed, sessions atomic.Uint64
}

// New creates an agent. Call Run to connect.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if _, err := wsclient.EndpointURL(cfg.ServerURL); err != nil {
		return nil, err
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = defaultRegisterTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultConcurrentWorker
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = config.DefaultMaxPayload
	}

	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "peer-agent").Str("peer", cfg.ID).Logger(),
	}, nil
}

// ID returns the peer id.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// IsConnected reports whether the agent is currently registered.
func (a *Agent) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Agent) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

// SessionCount returns how many times the agent has registered.
func (a *Agent) SessionCount() uint64 {
	return a.sessions.Load()
}

// Stats returns request counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Stored:    a.stored.Load(),
		Retrieved: a.retrieved.Load(),
		Deleted:   a.deleted.Load(),
		Failed:    a.failed.Load(),
		Sessions:  a.sessions.Load(),
	}
}

// Run connects, registers and serves requests until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
// It returns nil on cancellation and ErrRegistrationRejected if the
// coordinator refuses the id.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.MinBackoff

	for attempt := 1; ; attempt++ {
		served, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRegistrationRejected) {
			return err
		}
		if served {
			// A session that got registered resets the backoff.
			backoff = a.cfg.MinBackoff
			attempt = 1
		}

		a.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("connection to coordinator lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
		}
	}
}

// session runs one connection. served reports whether registration succeeded.
func (a *Agent) session(ctx context.Context) (served bool, err error) {
	conn, err := wsclient.Dial(ctx, a.cfg.ServerURL, a.logger)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	conn.SetReadLimit(proto.FrameLimit(a.cfg.MaxPayload))

	// Unblock the read loop on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := a.register(ctx, conn); err != nil {
		return false, err
	}

	a.sessions.Add(1)
	a.setConnected(true)
	defer a.setConnected(false)
	a.logger.Info().Str("server", a.cfg.ServerURL).Msg("registered with coordinator")

	sem := make(chan struct{}, a.cfg.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := conn.Read()
		if errors.Is(err, wsclient.ErrMalformed) {
			a.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if err != nil {
			// Closing first unblocks workers waiting to reply.
			_ = conn.Close()
			if wsclient.IsClosedError(err) {
				return true, fmt.Errorf("coordinator closed the connection")
			}
			return true, err
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			a.handle(ctx, conn, msg)
		}()
	}
}

func (a *Agent) register(ctx context.Context, conn *wsclient.Conn) error {
	msg, err := proto.NewMessage(proto.TypeRegisterNode, "", proto.RegisterNodePayload{NodeID: a.cfg.ID})
	if err != nil {
		return err
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	type result struct {
		msg *proto.Message
		err error
	}
	ackCh := make(chan result, 1)
	go func() {
		m, err := conn.Read()
		ackCh <- result{m, err}
	}()

	var r result
	select {
	case r = <-ackCh:
	case <-time.After(a.cfg.RegisterTimeout):
		_ = conn.Close()
		return fmt.Errorf("no registration ack within %s", a.cfg.RegisterTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return fmt.Errorf("read registration ack: %w", r.err)
	}

	var ack proto.RegisterAckPayload
	if err := r.msg.Decode(proto.TypeRegisterAck, &ack); err != nil {
		return fmt.Errorf("unexpected registration reply: %w", err)
	}
	if ack.Error != nil {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Error.Error())
	}
	return nil
}

// handle serves one coordinator request and sends its reply.
func (a *Agent) handle(ctx context.Context, conn *wsclient.Conn, msg *proto.Message) {
	var (
		replyType proto.MessageType
		payload   any
		kind      string
		failed    *proto.Failure
		size      int
	)
	start := time.Now()

	switch msg.Type {
	case proto.TypeStore:
		var ack proto.StoreAckPayload
		ack, size = a.handleStore(ctx, msg)
		replyType, payload, kind, failed = proto.TypeStoreAck, ack, "store", ack.Error
	case proto.TypeRetrieve:
		ack := a.handleRetrieve(ctx, msg)
		replyType, payload, kind, failed, size = proto.TypeRetrieveAck, ack, "retrieve", ack.Error, len(ack.Data)
	case proto.TypeDelete:
		ack := a.handleDelete(ctx, msg)
		replyType, payload, kind, failed = proto.TypeDeleteAck, ack, "delete", ack.Error
	case proto.TypeError:
		var e proto.ErrorPayload
		if err := msg.Decode(proto.TypeError, &e); err == nil && e.Error != nil {
			a.logger.Warn().Str("error", e.Error.Error()).Msg("coordinator reported an error")
		}
		return
	default:
		a.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected message")
		return
	}

	if a.cfg.Observer != nil {
		result := "ok"
		if failed != nil {
			result = strings.ToLower(string(failed.Code))
		}
		a.cfg.Observer.ObserveRequest(kind, result, size, time.Since(start))
	}

	reply, err := proto.NewMessage(replyType, msg.ID, payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("build reply")
		return
	}
	if err := conn.SendWait(ctx, reply); err != nil {
		a.logger.Debug().Err(err).Str("type", string(replyType)).Msg("reply not sent")
	}
}

func failure(code proto.ErrorCode, err error) *proto.Failure {
	return &proto.Failure{Code: code, Message: err.Error()}
}

// handleStore also returns the number of bytes stored.
func (a *Agent) handleStore(ctx context.Context, msg *proto.Message) (proto.StoreAckPayload, int) {
	var req proto.StorePayload
	if err := msg.Decode(proto.TypeStore, &req); err != nil {
		a.failed.Add(1)
		return proto.StoreAckPayload{Error: failure(proto.CodeInvalidRequest, err)}, 0
	}
	if err := a.cfg.Store.Put(ctx, req.FileID, req.Data); err != nil {
		a.failed.Add(1)
		a.logger.Error().Err(err).Str("file_id", req.FileID).Msg("store failed")
		code := proto.CodeInternal
		if errors.Is(err, blobstore.ErrInvalidKey) {
			code = proto.CodeInvalidRequest
		}
		return proto.StoreAckPayload{FileID: req.FileID, Error: failure(code, err)}, 0
	}
	a.stored.Add(1)
	a.logger.Debug().Str("file_id", req.FileID).Str("name", req.Name).Int("size", len(req.Data)).Msg("replica stored")
	return proto.StoreAckPayload{FileID: req.FileID}, len(req.Data)
}

func (a *Agent) handleRetrieve(ctx context.Context, msg *proto.Message) proto.RetrieveAckPayload {
	var req proto.RetrievePayload
	if err := msg.Decode(proto.TypeRetrieve, &req); err != nil {
		a.failed.Add(1)
		return proto.RetrieveAckPayload{Error: failure(proto.CodeInvalidRequest, err)}
	}
	data, err := a.cfg.Store.Get(ctx, req.FileID)
	if err != nil {
		a.failed.Add(1)
		code := proto.CodeInternal
		switch {
		case errors.Is(err, blobstore.ErrNotFound):
			code = proto.CodeNotFound
		case errors.Is(err, blobstore.ErrInvalidKey):
			code = proto.CodeInvalidRequest
		}
		a.logger.Warn().Err(err).Str("file_id", req.FileID).Msg("retrieve failed")
		return proto.RetrieveAckPayload{FileID: req.FileID, Error: failure(code, err)}
	}
	a.retrieved.Add(1)
	return proto.RetrieveAckPayload{
		FileID:   req.FileID,
		Name:     req.Name,
		Data:     data,
		Checksum: checksum.Sum(data),
	}
}

func (a *Agent) handleDelete(ctx context.Context, msg *proto.Message) proto.DeleteAckPayload {
	var req proto.DeletePayload
	if err := msg.Decode(proto.TypeDelete, &req); err != nil {
		a.failed.Add(1)
		return proto.DeleteAckPayload{Error: failure(proto.CodeInvalidRequest, err)}
	}
	if err := a.cfg.Store.Delete(ctx, req.FileID); err != nil {
		a.failed.Add(1)
		a.logger.Error().Err(err).Str("file_id", req.FileID).Msg("delete failed")
		return proto.DeleteAckPayload{FileID: req.FileID, Error: failure(proto.CodeInternal, err)}
	}
	a.deleted.Add(1)
	a.logger.Debug().Str("file_id", req.FileID).Msg("replica deleted")
	return proto.DeleteAckPayload{FileID: req.FileID}
}
