package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// clientConcurrency bounds in-flight requests per client connection.
const clientConcurrency = 16

// Server exposes a Coordinator over HTTP: the websocket endpoint peers and
// clients connect to, plus health, status and metrics.
type Server struct {
	cfg       *config.CoordinatorConfig
	coord     *Coordinator
	mux       *http.ServeMux
	promReg   *prometheus.Registry
	logger    zerolog.Logger
	readLimit int64
	version   string
	startTime time.Time

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}

	httpMu     sync.Mutex
	httpServer *http.Server
}

// NewServer creates a coordinator server from cfg.
func NewServer(cfg *config.CoordinatorConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := log.Logger
	maxPayload := cfg.MaxPayload.Bytes()
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		promReg: promReg,
		logger:  logger.With().Str("component", "server").Logger(),
		readLimit: proto.FrameLimit(maxPayload),
		version:   "dev",
		startTime: time.Now(),
		conns:     make(map[*wsConn]struct{}),
		coord: New(Config{
			ReplicationFactor: cfg.ReplicationFactor,
			MinReplicas:       cfg.MinReplicas,
			OperationTimeout:  cfg.OperationTimeoutDuration(),
			RetrieveTimeout:   cfg.RetrieveTimeoutDuration(),
			MaxPayload:        maxPayload,
			Logger:            logger,
			Metrics:           NewMetrics(promReg),
		}),
	}
	s.setupRoutes()
	return s, nil
}

// SetVersion sets the version reported by the status endpoint.
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Coordinator returns the coordinator served by s.
func (s *Server) Coordinator() *Coordinator {
	return s.coord
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/api/v1/status", s.handleStatus)
	if s.cfg.Metrics.Enabled {
		s.mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start runs the coordinator loop. ListenAndServe calls it; tests that mount
// the server on an httptest.Server call it directly.
func (s *Server) Start(ctx context.Context) {
	s.coord.Start(ctx)
}

// ListenAndServe starts the coordinator and serves HTTP until ctx is
// cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Start(ctx)

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpMu.Lock()
	s.httpServer = srv
	s.httpMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", ln.Addr().String()).Msg("starting coordinator server")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.coord.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the coordinator, closes every websocket and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.coord.Stop()

	s.connsMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.connsMu.Unlock()

	s.httpMu.Lock()
	srv := s.httpServer
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusResponse is the body of /api/v1/status.
type statusResponse struct {
	Status
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.coord.Status(r.Context())
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status:  st,
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(code),
		"code":    code,
		"message": message,
	})
}

// handleWebSocket serves one peer or client connection. The first frame
// decides which: REGISTER_NODE makes it a peer for its lifetime.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.readLimit)
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	wc := newWSConn(conn, r.RemoteAddr, s.logger)
	if !s.track(wc) {
		_ = wc.Close()
		return
	}
	defer func() {
		s.untrack(wc)
		_ = wc.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.coord.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		data, err := wc.readFrame()
		if err != nil {
			logReadError(wc.logger, err)
			return
		}
		msg, err := proto.UnmarshalMessage(data)
		if err != nil {
			wc.sendError("", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			continue
		}
		if msg.Type == proto.TypeRegisterNode {
			s.servePeer(ctx, wc, msg)
			return
		}
		s.serveClient(ctx, wc, msg)
		return
	}
}

func (s *Server) track(c *wsConn) bool {
	select {
	case <-s.coord.Done():
		return false
	default:
	}
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func logReadError(logger zerolog.Logger, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		logger.Debug().Err(err).Msg("websocket read error")
	}
}

func (s *Server) servePeer(ctx context.Context, wc *wsConn, first *proto.Message) {
	var reg proto.RegisterNodePayload
	if err := first.Decode(proto.TypeRegisterNode, &reg); err != nil {
		wc.sendError(first.ID, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	if err := s.coord.Register(ctx, reg.NodeID, wc); err != nil {
		s.logger.Warn().Err(err).Str("peer", reg.NodeID).Str("remote", wc.remote).Msg("peer registration rejected")
		return
	}
	defer s.coord.PeerDisconnected(reg.NodeID, wc)

	logger := wc.logger.With().Str("peer", reg.NodeID).Logger()
	logger.Info().Msg("peer connection established")
	defer logger.Info().Msg("peer connection closed")

	for {
		data, err := wc.readFrame()
		if err != nil {
			logReadError(logger, err)
			return
		}
		msg, err := proto.UnmarshalMessage(data)
		if err != nil {
			logger.Debug().Err(err).Msg("dropping malformed peer frame")
			continue
		}
		if msg.Type == proto.TypeRegisterNode {
			logger.Debug().Msg("ignoring repeated registration")
			continue
		}
		s.coord.HandlePeerMessage(reg.NodeID, msg)
	}
}

func (s *Server) serveClient(ctx context.Context, wc *wsConn, first *proto.Message) {
	wc.logger.Debug().Msg("client connection established")
	sem := make(chan struct{}, clientConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatch := func(msg *proto.Message) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.handleClientRequest(ctx, wc, msg)
		}()
	}

	dispatch(first)
	for {
		data, err := wc.readFrame()
		if err != nil {
			logReadError(wc.logger, err)
			return
		}
		msg, err := proto.UnmarshalMessage(data)
		if err != nil {
			wc.sendError("", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			continue
		}
		dispatch(msg)
	}
}

// handleClientRequest answers exactly one client request.
func (s *Server) handleClientRequest(ctx context.Context, wc *wsConn, msg *proto.Message) {
	var (
		replyType proto.MessageType
		payload   any
	)

	switch msg.Type {
	case proto.TypeUpload:
		replyType = proto.TypeUploadAck
		var req proto.UploadPayload
		if err := msg.Decode(proto.TypeUpload, &req); err != nil {
			payload = proto.UploadAckPayload{Error: FailureFor(fmt.Errorf("%w: %v", ErrInvalidRequest, err))}
			break
		}
		res, err := s.coord.SubmitUpload(ctx, UploadRequest{
			Name:     req.Name,
			Size:     req.Size,
			Date:     req.Date,
			Checksum: req.Checksum,
			Data:     req.Data,
		})
		payload = proto.UploadAckPayload{FileID: res.FileID, Checksum: res.Checksum, Error: FailureFor(err)}

	case proto.TypeList:
		replyType = proto.TypeListResponse
		files, err := s.coord.ListFiles(ctx)
		if err != nil {
			s.sendReply(wc, proto.TypeError, msg.ID, proto.ErrorPayload{Error: FailureFor(err)})
			return
		}
		infos := make([]proto.FileInfo, 0, len(files))
		for _, f := range files {
			infos = append(infos, f.Info())
		}
		payload = proto.ListResponsePayload{Files: infos}

	case proto.TypeDownload:
		replyType = proto.TypeRetrieveAck
		var req proto.DownloadPayload
		if err := msg.Decode(proto.TypeDownload, &req); err != nil {
			payload = proto.RetrieveAckPayload{Error: FailureFor(fmt.Errorf("%w: %v", ErrInvalidRequest, err))}
			break
		}
		res, err := s.coord.SubmitDownload(ctx, req.FileID)
		if err != nil {
			payload = proto.RetrieveAckPayload{FileID: req.FileID, Error: FailureFor(err)}
			break
		}
		payload = proto.RetrieveAckPayload{FileID: res.FileID, Name: res.Name, Data: res.Data, Checksum: res.Checksum}

	case proto.TypeDelete:
		replyType = proto.TypeDeleteAck
		var req proto.DeletePayload
		if err := msg.Decode(proto.TypeDelete, &req); err != nil {
			payload = proto.DeleteAckPayload{Error: FailureFor(fmt.Errorf("%w: %v", ErrInvalidRequest, err))}
			break
		}
		err := s.coord.SubmitDelete(ctx, req.FileID)
		payload = proto.DeleteAckPayload{FileID: req.FileID, Error: FailureFor(err)}

	default:
		wc.sendError(msg.ID, fmt.Errorf("%w: unexpected message type %s", ErrInvalidRequest, msg.Type))
		return
	}

	s.sendReply(wc, replyType, msg.ID, payload)
}

func (s *Server) sendReply(wc *wsConn, t proto.MessageType, id string, payload any) {
	reply, err := proto.NewMessage(t, id, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("build reply")
		return
	}
	if err := wc.Send(reply); err != nil {
		wc.logger.Debug().Err(err).Str("type", string(t)).Msg("reply not sent")
	}
}
