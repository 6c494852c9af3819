// Package server hosts the websocket conversation endpoint and the
// operational HTTP surface: liveness/readiness probes and Prometheus metrics.
//
// The conversation protocol is defined in [transport]; this package owns the
// listener, the upgrade handshake, and the per-connection read loop that
// feeds the session manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ribu-singh/Vocode-Backend/internal/health"
	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/internal/session"
	"github.com/ribu-singh/Vocode-Backend/internal/transport"
)

const (
	// maxMessageBytes bounds a single inbound websocket message. Base64
	// audio chunks are small; anything bigger is a protocol violation.
	maxMessageBytes = 1 << 20

	shutdownTimeout = 10 * time.Second
)

// Config holds the listener settings for the server.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g., ":3000").
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics enables HTTP request metrics and trace propagation.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithReadyChecks registers readiness probes served on /readyz.
func WithReadyChecks(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = checkers }
}

// Server accepts websocket conversations and routes them to the session
// manager. It also serves /healthz, /readyz, and /metrics.
type Server struct {
	cfg      Config
	sessions *session.Manager
	log      *slog.Logger
	metrics  *observe.Metrics
	checkers []health.Checker

	httpSrv *http.Server
}

// New creates a Server. The session manager must outlive the server.
func New(cfg Config, sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	h := health.New(s.checkers...)

	mux := http.NewServeMux()
	mux.HandleFunc("/conversation", s.handleConversation)
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/readyz", h.Readyz)
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = observe.Middleware(s.metrics)(mux)
	}

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}
	return s
}

// Handler returns the full HTTP handler, including the conversation
// endpoint and the operational routes. Useful for serving tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains active sessions and shuts
// the listener down. It returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	s.log.Info("server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.CertFile != "")

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.sessions.Close()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleConversation upgrades the connection and runs the session read loop.
// The first message must be an audio config start; everything after that is
// audio chunks until a stop message or disconnect.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Vocode clients connect from arbitrary app origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	defer conn.CloseNow()

	ctx := r.Context()

	start, err := s.readStart(ctx, conn)
	if err != nil {
		s.log.Warn("session rejected", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, closeReason(err))
		return
	}

	sess, err := s.sessions.OnConnect(ctx, *start, newWSTransport(conn))
	if err != nil {
		s.log.Warn("session rejected", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, closeReason(err))
		return
	}
	defer s.sessions.OnDisconnect(sess.ID)

	s.readLoop(ctx, conn, sess.ID)
}

// readStart reads and validates the opening message of a connection.
func (s *Server) readStart(ctx context.Context, conn *websocket.Conn) (*transport.AudioConfigStartMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read initial message: %w", err)
	}
	msg, err := transport.Parse(data)
	if err != nil {
		return nil, err
	}
	start, ok := msg.(*transport.AudioConfigStartMessage)
	if !ok {
		return nil, &transport.ProtocolError{
			MessageType: msg.Kind(),
			Reason:      "expected audio config start as the first message",
		}
	}
	return start, nil
}

// readLoop pumps inbound messages into the session until the client stops,
// disconnects, or the session goes away.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, id string) {
	log := s.log.With("conversation_id", id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Debug("client closed connection", "status", status)
			} else {
				log.Debug("connection lost", "err", err)
			}
			return
		}

		msg, err := transport.Parse(data)
		if err != nil {
			// Malformed mid-session messages are dropped; the session
			// itself stays alive.
			log.Warn("dropping malformed message", "err", err)
			continue
		}

		switch m := msg.(type) {
		case *transport.AudioMessage:
			chunk, err := m.DecodeData()
			if err != nil {
				log.Warn("dropping undecodable audio message", "err", err)
				continue
			}
			if err := s.sessions.OnInboundAudio(id, chunk); err != nil {
				if errors.Is(err, session.ErrUnknownConversation) {
					return
				}
				log.Warn("inbound audio rejected", "err", err)
			}

		case *transport.StopMessage:
			log.Debug("stop requested by client")
			s.sessions.OnStop(id)
			conn.Close(websocket.StatusNormalClosure, "conversation stopped")
			return

		default:
			log.Warn("unexpected message mid-session", "type", msg.Kind())
		}
	}
}

// closeReason trims an error to the websocket close-reason size limit.
func closeReason(err error) string {
	const maxReason = 123
	reason := err.Error()
	if len(reason) > maxReason {
		reason = reason[:maxReason]
	}
	return reason
}
