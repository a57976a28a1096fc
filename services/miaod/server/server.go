package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"miaochain/core/events"
	"miaochain/native/synth"
	"miaochain/native/token"
	"miaochain/observability"
	telemetry "miaochain/observability/otel"
	"miaochain/services/miaod/idempotency"
	"miaochain/services/miaod/middleware"
)

const (
	requestLimit      = 1 << 20 // 1 MiB
	headerIdempotency = "Idempotency-Key"
	maxIdempotencyKey = 128

	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress  string
	Auth           middleware.AuthConfig
	RateLimit      middleware.RateLimit
	IdempotencyTTL time.Duration
}

// Committer persists the writes of a successful operation.
type Committer interface {
	Commit() error
}

// ReplayStore caches responses by idempotency key.
type ReplayStore interface {
	Get(key string, now time.Time) (idempotency.Record, bool, error)
	Put(key string, record idempotency.Record) error
}

// Runtime bundles the components the API drives.
type Runtime struct {
	Engine *synth.Engine
	State  Committer
	Token  *token.Ledger
	Bank   *token.Bank
	// Pending collects the events of the operation in flight. It is flushed to
	// Sink after a commit and discarded when the operation fails.
	Pending *events.Buffer
	Sink    events.Emitter
	// Feed backs the recent events endpoint and Hub the event stream. Either
	// may be nil.
	Feed *events.Recorder
	Hub  *events.Hub
	// Replays enables Idempotency-Key handling on mutating routes.
	Replays ReplayStore
}

// Server exposes the synth engine over JSON.
type Server struct {
	cfg     Config
	rt      Runtime
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	metrics *observability.SynthMetrics
	http    interface {
		Observe(route string, status int, duration time.Duration)
	}
	now func() time.Time

	// mu keeps an operation, its commit and its event flush together.
	mu sync.Mutex
}

// New constructs a new HTTP server.
func New(cfg Config, rt Runtime, logger *slog.Logger) (*Server, error) {
	if rt.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if rt.State == nil {
		return nil, fmt.Errorf("state committer required")
	}
	if rt.Token == nil || rt.Bank == nil {
		return nil, fmt.Errorf("token ledgers required")
	}
	if rt.Pending == nil {
		rt.Pending = &events.Buffer{}
	}
	if rt.Sink == nil {
		rt.Sink = events.NoopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	auth, err := middleware.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		rt:      rt,
		logger:  logger,
		auth:    auth,
		limiter: middleware.NewRateLimiter(cfg.RateLimit, logger),
		metrics: observability.Synth(),
		http:    observability.HTTP(),
		now:     time.Now,
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/params", s.handleParams)
		r.Get("/prices/{asset}", s.handlePrice)
		r.Get("/positions/{user}", s.handlePosition)
		r.Get("/balances/{holder}", s.handleBalances)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Use(s.auth.Middleware)

			r.Post("/token/approve", s.handleApprove)
			r.Post("/deposit-and-mint", s.handleDepositAndMint)
			r.Post("/deposit", s.handleDeposit)
			r.Post("/mint", s.handleMint)
			r.Post("/redeem", s.handleRedeem)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/burn", s.handleBurn)
			r.Post("/liquidate", s.handleLiquidate)
		})
	})
	return otelhttp.NewHandler(r, "miaod")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("miaod: http server listening", slog.String("listen", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes the connection through for the websocket stream.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	// Streams outlive the server's read and write timeouts.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, rw, nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.http.Observe(route, rec.status, time.Since(start))
	})
}

// mutation is a decoded request: the account it acts for and the engine call
// that carries it out.
type mutation struct {
	actor common.Address
	apply func() (any, error)
}

// mutate decodes the request with prepare, then runs the resulting mutation,
// commits its writes and publishes its events. Only the apply, commit and
// flush steps hold the server lock, so a slow request body never stalls other
// writers. Failures leave no trace in the feed and are reported with the
// mapped status code. A request carrying an Idempotency-Key that was already
// answered gets the stored response and nothing runs.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, operation string, prepare func() (*mutation, error)) {
	replayKey, err := s.replayKey(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	m, err := prepare()
	if err == nil {
		err = s.authorize(r, m.actor)
	}
	if err != nil {
		status := statusFor(err)
		s.metrics.Observe(operation, outcomeFor(status), 0)
		s.logger.Debug("miaod: request rejected",
			slog.String("operation", operation),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
			slog.Any("error", err))
		writeJSONError(w, status, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if replayKey != "" {
		record, found, err := s.rt.Replays.Get(replayKey, s.now())
		if err != nil {
			s.logger.Warn("miaod: idempotency lookup failed", slog.String("operation", operation), slog.Any("error", err))
		} else if found {
			w.Header().Set("X-Idempotency-Cache", "hit")
			writeRaw(w, record.StatusCode, record.Body)
			return
		}
	}

	status, payload := s.execute(r, operation, m.apply)
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "encode response"})
	}
	if replayKey != "" && status < http.StatusInternalServerError {
		now := s.now()
		if err := s.rt.Replays.Put(replayKey, idempotency.Record{
			StatusCode: status,
			Body:       body,
			StoredAt:   now,
			ExpiresAt:  now.Add(s.cfg.IdempotencyTTL),
		}); err != nil {
			s.logger.Warn("miaod: idempotency store failed", slog.String("operation", operation), slog.Any("error", err))
		}
	}
	writeRaw(w, status, body)
}

// authorize ties the account a mutation acts for to the token subject when
// authentication is on.
func (s *Server) authorize(r *http.Request, actor common.Address) error {
	if !s.auth.Enabled() {
		return nil
	}
	subject := strings.TrimSpace(middleware.Subject(r.Context()))
	if !common.IsHexAddress(subject) || common.HexToAddress(subject) != actor {
		return fmt.Errorf("%w: token subject %q, request account %s", errActorMismatch, subject, hexString(actor))
	}
	return nil
}

func (s *Server) execute(r *http.Request, operation string, fn func() (any, error)) (int, any) {
	_, span := telemetry.Tracer().Start(r.Context(), "synth."+operation)
	defer span.End()

	start := time.Now()
	result, err := fn()
	if err == nil {
		if commitErr := s.rt.State.Commit(); commitErr != nil {
			err = fmt.Errorf("commit state: %w", commitErr)
		}
	}
	if err != nil {
		s.rt.Pending.Discard()
		status := statusFor(err)
		outcome := outcomeFor(status)
		s.metrics.Observe(operation, outcome, time.Since(start))
		span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("http.status_code", status))
		attrs := []any{
			slog.String("operation", operation),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
			slog.Any("error", err),
		}
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("miaod: operation failed", attrs...)
		} else {
			s.logger.Debug("miaod: operation rejected", attrs...)
		}
		return status, errorBody(err)
	}
	s.rt.Pending.Flush(s.rt.Sink)
	s.metrics.Observe(operation, "success", time.Since(start))
	span.SetAttributes(attribute.String("outcome", "success"))
	if res, ok := result.(liquidationResponse); ok {
		s.metrics.RecordLiquidation(res.Branch)
		span.SetAttributes(attribute.String("liquidation.branch", res.Branch))
	}
	return http.StatusOK, result
}

func (s *Server) replayKey(r *http.Request) (string, error) {
	if s.rt.Replays == nil {
		return "", nil
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotency))
	if key == "" {
		return "", nil
	}
	if len(key) > maxIdempotencyKey {
		return "", badRequest(fmt.Errorf("%s longer than %d bytes", headerIdempotency, maxIdempotencyKey))
	}
	return idempotency.Key(middleware.Subject(r.Context()), r.Method, r.URL.Path, key), nil
}

func outcomeFor(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return "error"
	case status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "success"
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &requestError{err: fmt.Errorf("decode request: %w", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) errorResponse {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = "request failed"
	}
	body := errorResponse{Error: message}
	var amountErr *synth.AmountError
	if errors.As(err, &amountErr) && amountErr.Current != nil {
		body.Current = amountErr.Current.String()
	}
	var ratioErr *synth.RatioError
	if errors.As(err, &ratioErr) && ratioErr.Ratio != nil {
		body.Ratio = ratioErr.Ratio.String()
	}
	return body
}

type errorResponse struct {
	Error   string `json:"error"`
	Current string `json:"current,omitempty"`
	Ratio   string `json:"ratio,omitempty"`
}
