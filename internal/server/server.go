// Package server exposes the orchestration pipeline and the gateway
// control channel over HTTP. Gateway-backed endpoints degrade to local
// fallbacks when the control channel is offline.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"botforge/internal/gateway"
	"botforge/internal/logging"
	"botforge/internal/pipeline"
	"botforge/internal/provider"
	"botforge/internal/store"
)

// Server routes API requests to the pipeline, the router, the record
// store, and the gateway client.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	log             *zap.Logger

	runner  *pipeline.Runner
	router  *provider.Router
	records *store.RecordStore
	gw      *gateway.Client // may be nil when the gateway is disabled

	started time.Time
	version string
}

// Options configure a Server. Runner and Router are required; Records and
// Gateway may be nil.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Log             *zap.Logger
	Runner          *pipeline.Runner
	Router          *provider.Router
	Records         *store.RecordStore
	Gateway         *gateway.Client
	Version         string
}

// New builds a Server from options, applying defaults for the rest.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8420"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Server{
		addr:            opts.Addr,
		shutdownTimeout: opts.ShutdownTimeout,
		log:             opts.Log,
		runner:          opts.Runner,
		router:          opts.Router,
		records:         opts.Records,
		gw:              opts.Gateway,
		started:         time.Now(),
		version:         opts.Version,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/skills", s.handleSkills)
	mux.HandleFunc("POST /api/skills/execute", s.handleSkillExecute)
	mux.HandleFunc("GET /api/presence", s.handlePresence)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/send", s.handleSessionSend)
	mux.HandleFunc("POST /api/responses", s.handleResponses)
	mux.HandleFunc("POST /api/approve-exec", s.handleApproveExec)

	mux.HandleFunc("POST /api/bots/execute", s.handleBotExecute)
	mux.HandleFunc("POST /api/bots/fix", s.handleBotFix)
	mux.HandleFunc("POST /api/bots/chain", s.handleBotChain)
	mux.HandleFunc("POST /api/bots/stream", s.handleBotStream)
	mux.HandleFunc("GET /api/bots/records", s.handleRecords)

	return s.withLogging(mux)
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server listening", zap.String("addr", s.addr))
		logging.Server("listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE responses stream.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		s.log.Info("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) uptime() time.Duration { return time.Since(s.started) }

func zapMethod(m string) zap.Field { return zap.String("method", m) }

func zapError(err error) zap.Field { return zap.Error(err) }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
