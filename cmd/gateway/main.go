// Command gateway is the HTTP front door described by spec.md §2 and §4.7:
// a single endpoint that authenticates a bearer token, applies the IP
// policy, dispatches to a registered service handler, runs the
// content-filter interceptor for mail, and writes one audit row per
// request.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/primevalsoup/google-workspaces-cli/pkg/audit"
	"github.com/primevalsoup/google-workspaces-cli/pkg/auth"
	"github.com/primevalsoup/google-workspaces-cli/pkg/config"
	"github.com/primevalsoup/google-workspaces-cli/pkg/contentfilter"
	"github.com/primevalsoup/google-workspaces-cli/pkg/dispatcher"
	"github.com/primevalsoup/google-workspaces-cli/pkg/envelope"
	"github.com/primevalsoup/google-workspaces-cli/pkg/hardening"
	"github.com/primevalsoup/google-workspaces-cli/pkg/httpx"
	"github.com/primevalsoup/google-workspaces-cli/pkg/initwindow"
	"github.com/primevalsoup/google-workspaces-cli/pkg/ippolicy"
	"github.com/primevalsoup/google-workspaces-cli/pkg/metrics"
	"github.com/primevalsoup/google-workspaces-cli/pkg/ratelimit"
	"github.com/primevalsoup/google-workspaces-cli/pkg/services/admin"
	"github.com/primevalsoup/google-workspaces-cli/pkg/services/calendar"
	"github.com/primevalsoup/google-workspaces-cli/pkg/services/mail"
	"github.com/primevalsoup/google-workspaces-cli/pkg/statebus"
	"github.com/primevalsoup/google-workspaces-cli/pkg/store"
	"github.com/primevalsoup/google-workspaces-cli/pkg/telemetry"
)

const version = "1.0.0"

// watchdogDeadline is spec.md §4.7's soft deadline: the proxy returns
// TIMEOUT at 330s, ahead of the 360s hard platform execution cap it is
// chosen to precede.
const watchdogDeadline = 330 * time.Second

// Server holds every collaborator the pipeline of spec.md §2 needs.
type Server struct {
	Config              *config.Store
	AuditLog            *audit.Log
	Verifier            *auth.Verifier
	IPPolicy            *ippolicy.Policy
	InitGate            *initwindow.Gate
	Dispatcher          *dispatcher.Registry
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	KafkaPublisher      *statebus.Publisher
}

type ctxKey int

const requestMetaKey ctxKey = 0

type requestMeta struct {
	requestID string
	clientIP  string
}

func withRequestMeta(ctx context.Context, reqID, clientIP string) context.Context {
	return context.WithValue(ctx, requestMetaKey, requestMeta{requestID: reqID, clientIP: clientIP})
}

func requestMetaFromContext(ctx context.Context) requestMeta {
	meta, _ := ctx.Value(requestMetaKey).(requestMeta)
	return meta
}

// auditStatusForKind maps a dispatcher error kind onto the closed set of
// audit statuses from spec.md §3. Auth and IP failures never reach this
// function: they are recorded before the dispatcher runs.
func auditStatusForKind(kind envelope.ErrorKind) audit.Status {
	switch kind {
	case envelope.ErrForbidden:
		return audit.StatusBlocked
	case envelope.ErrTimeout:
		return audit.StatusTimeout
	default:
		return audit.StatusError
	}
}

func httpStatusForKind(kind envelope.ErrorKind) int {
	switch kind {
	case envelope.ErrInvalidRequest:
		return http.StatusBadRequest
	case envelope.ErrAuthFailed:
		return http.StatusUnauthorized
	case envelope.ErrIPBlocked, envelope.ErrForbidden, envelope.ErrInitRejected, envelope.ErrInitExpired:
		return http.StatusForbidden
	case envelope.ErrNotFound:
		return http.StatusNotFound
	case envelope.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case envelope.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleHealth implements the unauthenticated probe of spec.md §4.7. It
// must never reveal secret-bearing config.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.Dispatcher.Services()
	httpx.WriteJSON(w, http.StatusOK, envelope.Success(map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"version":    version,
		"configured": s.Config.Configured(),
		"services":   services,
	}, envelope.NewRequestID()))
}

// handleGateway implements the full pipeline of spec.md §2: parse,
// init-window short-circuit, verify, IP check, rate limit, dispatch
// (watchdog-bounded), content-filter (inside the mail handler), audit,
// respond.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		s.handleHealth(w, r)
		return
	}

	start := time.Now()
	reqID := envelope.NewRequestID()

	if s.MaxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondFail(w, start, reqID, "", "", "", envelope.ErrInvalidRequest, "request body too large or unreadable", nil, audit.StatusError)
		return
	}

	var req envelope.Request
	if len(strings.TrimSpace(string(body))) == 0 || json.Unmarshal(body, &req) != nil {
		s.respondFail(w, start, reqID, "", "", "", envelope.ErrInvalidRequest, "malformed request body", nil, audit.StatusError)
		return
	}
	clientIP := strings.TrimSpace(req.ClientIP)

	if initwindow.IsInitRequest(req.Service, req.Action) {
		s.handleInit(w, start, reqID, clientIP, req)
		return
	}

	result := s.Verifier.Verify(r.Context(), req.JWT, time.Now())
	if !result.OK() {
		s.respondFail(w, start, reqID, clientIP, req.Service, req.Action, envelope.ErrAuthFailed, result.Reason, nil, audit.StatusAuthFailed)
		return
	}

	ipResult := s.IPPolicy.Check(r.Context(), clientIP)
	if !ipResult.Allowed {
		s.respondFail(w, start, reqID, clientIP, req.Service, req.Action, envelope.ErrIPBlocked, ipResult.Reason, nil, audit.StatusIPBlocked)
		return
	}

	if s.RateLimitEnabled && s.RateLimiter != nil {
		decision := s.RateLimiter.Allow(rateLimitKey(result, clientIP), s.RateLimitPerMinute)
		if !decision.Allowed {
			retryable := true
			s.respondFail(w, start, reqID, clientIP, req.Service, req.Action, envelope.ErrQuotaExceeded, "rate limit exceeded", &retryable, audit.StatusError)
			return
		}
	}

	ctx, cancel := context.WithTimeout(withRequestMeta(r.Context(), reqID, clientIP), watchdogDeadline)
	defer cancel()

	type outcome struct {
		data interface{}
		err  *dispatcher.DispatchError
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := s.Dispatcher.Dispatch(ctx, req.Service, req.Action, req.Params)
		done <- outcome{data, err}
	}()

	select {
	case <-ctx.Done():
		retryable := true
		s.respondFail(w, start, reqID, clientIP, req.Service, req.Action, envelope.ErrTimeout, "request exceeded the soft deadline", &retryable, audit.StatusTimeout)
	case res := <-done:
		if res.err != nil {
			s.respondFail(w, start, reqID, clientIP, req.Service, req.Action, res.err.Kind, res.err.Message, &res.err.Retryable, auditStatusForKind(res.err.Kind))
			return
		}
		s.recordAudit(reqID, clientIP, req.Service, req.Action, audit.StatusOK, "", start)
		httpx.WriteJSON(w, http.StatusOK, envelope.Success(res.data, reqID))
	}
}

// handleInit implements spec.md §4.6: the one-shot, unauthenticated secret
// bootstrap. It bypasses verify and IP-check but still writes an audit row.
func (s *Server) handleInit(w http.ResponseWriter, start time.Time, reqID, clientIP string, req envelope.Request) {
	secret, _ := req.Params["secret"].(string)
	attempt := s.InitGate.TrySetSecret(time.Now(), secret)
	if !attempt.Accepted {
		kind := envelope.ErrInitRejected
		if attempt.Reason == initwindow.ReasonExpired {
			kind = envelope.ErrInitExpired
		}
		s.respondFail(w, start, reqID, clientIP, initwindow.ServiceName, initwindow.ActionName, kind, attempt.Detail, nil, audit.StatusError)
		return
	}
	s.recordAudit(reqID, clientIP, initwindow.ServiceName, initwindow.ActionName, audit.StatusOK, "", start)
	httpx.WriteJSON(w, http.StatusOK, envelope.Success(map[string]interface{}{"accepted": true}, reqID))
}

func (s *Server) respondFail(w http.ResponseWriter, start time.Time, reqID, clientIP, service, action string, kind envelope.ErrorKind, message string, retryable *bool, status audit.Status) {
	s.recordAudit(reqID, clientIP, service, action, status, message, start)
	s.Metrics.IncErrorKind(string(kind))
	httpx.WriteJSON(w, httpStatusForKind(kind), envelope.Fail(kind, message, retryable, reqID))
}

// recordAudit always uses a detached context: the audit write must never
// be cancelled by the request's own deadline. The write runs before the
// response is sent, so it can delay the response by at most the audit
// log's lock timeout.
func (s *Server) recordAudit(reqID, clientIP, service, action string, status audit.Status, errMsg string, start time.Time) {
	entry := audit.Entry{
		Timestamp:        time.Now(),
		RequestID:        reqID,
		ClientIPReported: clientIP,
		Service:          service,
		Action:           action,
		Status:           status,
		DurationMs:       time.Since(start).Milliseconds(),
		ErrorMessage:     errMsg,
	}
	s.AuditLog.Append(context.Background(), entry)
	s.Metrics.IncOutcome(string(status))
	s.mirrorToKafka(entry)
}

// mirrorToKafka publishes a copy of the entry to the optional Kafka feed.
// It never blocks the response path: publish runs in its own goroutine
// with a short timeout, and any failure is dropped.
func (s *Server) mirrorToKafka(e audit.Entry) {
	if s.KafkaPublisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.KafkaPublisher.Publish(ctx, statebus.Event{
			Timestamp:        e.Timestamp,
			RequestID:        e.RequestID,
			ClientIPReported: e.ClientIPReported,
			Service:          e.Service,
			Action:           e.Action,
			Status:           string(e.Status),
			DurationMs:       e.DurationMs,
			ErrorMessage:     e.ErrorMessage,
		})
	}()
}

// onMailIntercept is wired into the mail service as its content-filter
// interceptor audit hook (spec.md §4.4): one BLOCKED row per filtered or
// rejected item, carrying only the item identifier.
func (s *Server) onMailIntercept(ctx context.Context, originAction, itemID string) {
	meta := requestMetaFromContext(ctx)
	entry := audit.Entry{
		Timestamp:        time.Now(),
		RequestID:        meta.requestID,
		ClientIPReported: meta.clientIP,
		Service:          "mail",
		Action:           contentfilter.InterceptAuditAction(originAction),
		Status:           audit.StatusBlocked,
		ErrorMessage:     fmt.Sprintf("item %s is security-sensitive", itemID),
	}
	s.AuditLog.Append(context.Background(), entry)
	s.mirrorToKafka(entry)
}

// rateLimitKey picks the identity a rate-limit decision is scoped to.
// There is no account model beyond "holder of the secret" (spec.md's
// Non-goals), so the best available identity is the token's own subject
// claim when present, falling back to the self-reported client IP, and
// finally a single shared bucket.
func rateLimitKey(result auth.Result, clientIP string) string {
	if sub, ok := result.Claims.Extra["sub"]; ok {
		var s string
		if json.Unmarshal(sub, &s) == nil && strings.TrimSpace(s) != "" {
			return "sub:" + s
		}
	}
	if clientIP != "" {
		return "ip:" + clientIP
	}
	return "global"
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if !s.Verifier.Verify(r.Context(), token, time.Now()).OK() {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

// Testable variables for main().
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = store.NewPostgresPool
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func run(
	initTelemetry func(ctx context.Context, service string) (func(context.Context) error, error),
	openDB func(ctx context.Context) (*pgxpool.Pool, error),
	openRedis func(ctx context.Context) (*redis.Client, error),
	listen func(server *http.Server) error,
) error {
	ctx := context.Background()

	shutdown, err := initTelemetry(ctx, "google-workspaces-gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg := config.New()
	deployedAt := time.Now()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	var sink audit.Sink
	pool, err := openDB(ctx)
	if err != nil {
		log.Printf("postgres unavailable, falling back to in-memory audit sink: %v", err)
		sink = audit.NewMemorySink()
	} else {
		defer pool.Close()
		sinkID := cfg.Get(config.KeyLogSinkID)
		if sinkID == "" {
			sinkID = "default"
		}
		sink = audit.NewPostgresSink(pool, sinkID)
	}
	if !cfg.Bool(config.KeyLogEnabled, true) {
		sink = audit.NewMemorySink()
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "JWT_SECRET", Value: cfg.Get(config.KeyJWTSecret)},
		},
	}); err != nil {
		return err
	}

	s := &Server{
		Config: cfg,
		AuditLog: audit.New(sink, func() int { return cfg.Int(config.KeyLogMaxRows, 5000) }),
		Verifier: auth.NewVerifier(func() string { return cfg.Get(config.KeyJWTSecret) }, cache),
		IPPolicy: &ippolicy.Policy{
			Allowlist:         func() []string { return cfg.StringSlice(config.KeyIPAllowlist) },
			ReputationEnabled: func() bool { return cfg.Bool(config.KeyIPCheckEnabled, false) },
			ReputationAPIKey:  func() string { return cfg.Get(config.KeyIPCheckAPIKey) },
			ReputationThresh:  func() int { return cfg.Int(config.KeyIPCheckThreshold, 50) },
			HTTPClient:        telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second}),
		},
		InitGate: &initwindow.Gate{
			DeployedAt: deployedAt,
			Configured: cfg.Configured,
			SetSecret:  func(secret string) { cfg.Set(config.KeyJWTSecret, secret) },
		},
		Dispatcher:          dispatcher.NewRegistry(),
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		pub, err := statebus.NewPublisher(statebus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_AUDIT_TOPIC", "gateway.audit"),
		})
		if err != nil {
			log.Printf("kafka audit mirror disabled: %v", err)
		} else {
			s.KafkaPublisher = pub
			defer pub.Close()
		}
	}

	registerServices(s)

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("google-workspaces-gateway"))

	r.Get("/healthz", s.handleHealth)
	r.Get("/", s.handleGateway)
	r.Post("/", s.handleGateway)

	metricsRouter := chi.NewRouter()
	metricsRouter.Use(s.requireBearer)
	metricsRouter.Get("/metrics", s.Metrics.Handler())
	metricsRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Mount("/", metricsRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 340),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// registerServices wires the dispatcher registry (spec.md §1's open set of
// handlers): the gateway's own admin surface, the mail content-filter
// interceptor, and a minimal calendar handler demonstrating extensibility.
func registerServices(s *Server) {
	adminHandlers := &admin.Handlers{
		Config:    s.Config,
		Audit:     s.AuditLog,
		StartedAt: time.Now(),
		Version:   version,
		Services:  s.Dispatcher.Services,
	}
	s.Dispatcher.Register("admin", adminHandlers.Handle)

	mailService := &mail.Service{
		Upstream: newUpstreamClient("MAIL_UPSTREAM_URL", "http://localhost:8091"),
		Filter: &contentfilter.Filter{
			BlockedSenders: func() []string { return s.Config.StringSlice(config.KeySecurityBlockedSenders) },
			ContentRegex:   func() string { return s.Config.Get(config.KeySecurityContentRegex) },
		},
		OnIntercept: s.onMailIntercept,
	}
	s.Dispatcher.Register("mail", mailService.Handle)

	calendarService := &calendar.Service{Upstream: newCalendarUpstreamClient("CALENDAR_UPSTREAM_URL", "http://localhost:8092")}
	s.Dispatcher.Register("calendar", calendarService.Handle)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
