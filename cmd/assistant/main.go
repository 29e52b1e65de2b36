package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/audit"
	"github.com/praj33/ai-assistant-backend/pkg/auth"
	"github.com/praj33/ai-assistant-backend/pkg/boundary"
	"github.com/praj33/ai-assistant-backend/pkg/flagbus"
	"github.com/praj33/ai-assistant-backend/pkg/hardening"
	"github.com/praj33/ai-assistant-backend/pkg/httpx"
	"github.com/praj33/ai-assistant-backend/pkg/metrics"
	"github.com/praj33/ai-assistant-backend/pkg/ratelimit"
	"github.com/praj33/ai-assistant-backend/pkg/stages"
	"github.com/praj33/ai-assistant-backend/pkg/store"
	"github.com/praj33/ai-assistant-backend/pkg/stream"
	"github.com/praj33/ai-assistant-backend/pkg/telemetry"
	"github.com/praj33/ai-assistant-backend/pkg/threat"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Trail               audit.Store
	Cache               store.Cache
	HTTPClient          *http.Client
	Safety              stages.SafetyClient
	Intelligence        stages.IntelligenceClient
	Executor            stages.Executor
	Boundary            *boundary.Validator
	ThreatCfg           threat.Config
	Flags               *flagbus.Store
	FlagConsumer        flagbus.Consumer
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Redis               *redis.Client
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerMinute  int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	ContextID           string
	SafetyTimeout       time.Duration
	IntelligenceTimeout time.Duration
	ExecutionTimeout    time.Duration
	IdempotencyTTL      time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type assistantDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type assistantDBCloser interface {
	assistantDB
	Close()
}

type assistantInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type assistantOpenDBFunc func(ctx context.Context) (assistantDBCloser, error)
type assistantOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type assistantListenFunc func(server *http.Server) error
type assistantStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryA = telemetry.Init
	openDBFnA      = func(ctx context.Context) (assistantDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnA   = store.NewRedis
	listenFnA      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnA  = func(s *Server) {
		if s.FlagConsumer != nil {
			go flagbus.Run(context.Background(), s.FlagConsumer, s.Flags)
		}
	}
)

func main() {
	if err := runAssistant(initTelemetryA, openDBFnA, openRedisFnA, listenFnA, startLoopsFnA); err != nil {
		logFatalf("assistant: %v", err)
	}
}

func runAssistant(
	initTelemetry assistantInitTelemetryFunc,
	openDB assistantOpenDBFunc,
	openRedis assistantOpenRedisFunc,
	listen assistantListenFunc,
	startLoops assistantStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "assistant")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")

	var trail audit.Store
	pool, err := openDB(ctx)
	if err != nil {
		log.Printf("postgres unavailable, audit trail degraded to non-durable ring buffer: %v", err)
		trail = audit.NewRing(envInt("AUDIT_RING_CAPACITY", 4096))
	} else {
		defer pool.Close()
		trail = audit.NewPostgresStore(pool, []byte(auditSalt), auditRedact)
	}

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)
	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	trustedProxyCIDRs := parseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Trail:      trail,
		Cache:      cache,
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))}),
		Boundary: boundary.NewValidator(splitList(env(
			"BOUNDARY_REQUESTER_PREFIXES",
			"assistant_,pipeline_,compliance_",
		))),
		ThreatCfg: threat.Config{
			MaxSkew:        time.Second * time.Duration(envInt("THREAT_MAX_SKEW_SEC", 300)),
			MaxNestedChars: envInt("THREAT_MAX_NESTED_CHARS", 10000),
		},
		Flags:               flagbus.NewStore(time.Second * time.Duration(envInt("RISK_FLAG_TTL_SEC", 900))),
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Redis:               redisClient,
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		ContextID:           env("PIPELINE_CONTEXT_ID", "assistant"),
		SafetyTimeout:       time.Millisecond * time.Duration(envInt("SAFETY_TIMEOUT_MS", 2000)),
		IntelligenceTimeout: time.Millisecond * time.Duration(envInt("INTELLIGENCE_TIMEOUT_MS", 2000)),
		ExecutionTimeout:    time.Millisecond * time.Duration(envInt("EXECUTION_TIMEOUT_MS", 5000)),
		IdempotencyTTL:      time.Second * time.Duration(envInt("IDEMPOTENCY_TTL_SEC", 300)),
		TrustedProxyCIDRs:   trustedProxyCIDRs,
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}

	safetyHeader := env("SAFETY_AUTH_HEADER", "")
	safetyToken := env("SAFETY_AUTH_TOKEN", "")
	retries := envInt("UPSTREAM_RETRIES", 1)
	retryDelay := time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50))
	s.Safety = stages.HTTPSafety{
		Client:     s.HTTPClient,
		Endpoint:   env("SAFETY_URL", "http://localhost:8091") + "/v1/validate",
		Headers:    authHeaderMap(safetyHeader, safetyToken),
		Retries:    retries,
		RetryDelay: retryDelay,
	}
	s.Intelligence = stages.HTTPIntelligence{
		Client:     s.HTTPClient,
		Endpoint:   env("INTELLIGENCE_URL", "http://localhost:8092") + "/v1/process",
		Headers:    authHeaderMap(env("INTELLIGENCE_AUTH_HEADER", ""), env("INTELLIGENCE_AUTH_TOKEN", "")),
		Retries:    retries,
		RetryDelay: retryDelay,
	}
	s.Executor = stages.HTTPExecutor{
		Client:     s.HTTPClient,
		Endpoint:   env("EXECUTOR_URL", "http://localhost:8093") + "/v1/execute",
		Headers:    authHeaderMap(env("EXECUTOR_AUTH_HEADER", ""), env("EXECUTOR_AUTH_TOKEN", "")),
		Retries:    retries,
		RetryDelay: retryDelay,
	}

	if brokers := strings.TrimSpace(env("RISK_FLAG_BROKERS", "")); brokers != "" {
		consumer, err := flagbus.NewKafkaConsumer(flagbus.KafkaConfig{
			Brokers: splitList(brokers),
			Topic:   env("RISK_FLAG_TOPIC", "assistant.risk_flags"),
			GroupID: env("RISK_FLAG_GROUP", "assistant-pipeline"),
		})
		if err != nil {
			return fmt.Errorf("flagbus: %w", err)
		}
		s.FlagConsumer = consumer
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	redisInsecure := ""
	if env("REDIS_TLS_INSECURE", "") == "true" || env("REDIS_ALLOW_INSECURE_TLS", "") == "true" {
		redisInsecure = "true"
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:          "assistant",
		Environment:      runtimeEnv,
		StrictMode:       env("STRICT_PROD_SECURITY", "true"),
		DatabaseTLS:      env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:        env("REDIS_ADDR", ""),
		RedisTLS:         env("REDIS_REQUIRE_TLS", ""),
		RedisInsecureTLS: redisInsecure,
		AllowedOrigins:   env("CORS_ALLOWED_ORIGINS", ""),
		Secrets: []hardening.Secret{
			{Name: "SAFETY_AUTH_HEADER", Value: safetyHeader},
			{Name: "SAFETY_AUTH_TOKEN", Value: safetyToken},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewMemory(rateLimitWindow)
		}
	}

	if !s.Trail.Durable() {
		log.Printf("audit trail is non-durable; entries are lost on restart")
	}

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("assistant listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("assistant"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "assistant"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Post("/api/assistant", s.withRoles(s.handleAssistant, "assistantclient", "operator", "platformengineer"))
	authRouter.Post("/v1/artifacts", s.withRoles(s.handleArtifactOp, "integration", "operator", "platformengineer"))
	authRouter.Get("/v1/traces/{trace_id}/audit", s.withRoles(s.handleTraceAudit, "operator", "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/audit", s.withRoles(s.handleAuditSearch, "operator", "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/audit/validate/{artifact_id}", s.withRoles(s.handleValidateArtifact, "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/threats", s.withRoles(s.handleThreatCatalog, "operator", "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/metrics", s.withRoles(s.Metrics.Handler(), "operator", "securityadmin", "platformengineer"))
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "complianceofficer", "securityadmin"))
	r.Mount("/", authRouter)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer sub.Close()

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", "", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				candidate := parseIP(strings.TrimSpace(parts[0]))
				if candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func authHeaderMap(header, token string) map[string]string {
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hashIdentity(value string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return fmt.Sprintf("%x", sum[:])
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
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
