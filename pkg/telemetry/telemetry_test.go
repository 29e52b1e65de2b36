package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func sampled(t *testing.T, s sdktrace.Sampler) bool {
	t.Helper()
	var tid oteltrace.TraceID
	tid[15] = 1
	res := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       tid,
		Name:          "pipeline.request",
	})
	return res.Decision == sdktrace.RecordAndSample
}

func TestParseSampler(t *testing.T) {
	if !sampled(t, parseSampler("always_on", "")) {
		t.Fatal("always_on must sample")
	}
	if sampled(t, parseSampler("always_off", "")) {
		t.Fatal("always_off must not sample")
	}
	if sampled(t, parseSampler("traceidratio", "0")) {
		t.Fatal("ratio 0 must not sample")
	}
	if !sampled(t, parseSampler("traceidratio", "1")) {
		t.Fatal("ratio 1 must sample")
	}
	// Out-of-range and junk arguments clamp to the permissive default.
	if !sampled(t, parseSampler("traceidratio", "9000")) {
		t.Fatal("ratio above 1 clamps to 1")
	}
	if !sampled(t, parseSampler("", "not-a-number")) {
		t.Fatal("unparseable ratio falls back to 1")
	}
	if !sampled(t, parseSampler("parentbased_always_on", "")) {
		t.Fatal("unknown names use the parent-based default")
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" authorization=Bearer svc-token , x-tenant=assistant, malformed ")
	if len(got) != 2 {
		t.Fatalf("headers = %v", got)
	}
	if got["authorization"] != "Bearer svc-token" || got["x-tenant"] != "assistant" {
		t.Fatalf("headers = %v", got)
	}
	if parseHeaders("   ") != nil {
		t.Fatal("blank header string should yield nil")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("ASSISTANT_TEST_TIMEOUT", "12")
	if got := envInt("ASSISTANT_TEST_TIMEOUT", 5); got != 12 {
		t.Fatalf("envInt = %d", got)
	}
	t.Setenv("ASSISTANT_TEST_TIMEOUT", "soon")
	if got := envInt("ASSISTANT_TEST_TIMEOUT", 5); got != 5 {
		t.Fatalf("envInt fallback = %d", got)
	}
}

func TestOTLPFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector.assistant.internal:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer otlp-token")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "2")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_REQUIRED", "true")

	s := otlpFromEnv()
	if s.endpoint != "collector.assistant.internal:4318" {
		t.Fatalf("endpoint = %q", s.endpoint)
	}
	if s.headers["authorization"] != "Bearer otlp-token" {
		t.Fatalf("headers = %v", s.headers)
	}
	if s.timeout != 2*time.Second {
		t.Fatalf("timeout = %v", s.timeout)
	}
	if !s.insecure || !s.required {
		t.Fatalf("flags = %+v", s)
	}
}

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "assistant")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitDefaultsServiceName(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "  ")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer shutdown(context.Background())
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	// An endpoint value the exporter constructor rejects outright.
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector.assistant.internal:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")

	t.Setenv("OTEL_REQUIRED", "true")
	if _, err := Init(context.Background(), "assistant"); err == nil {
		t.Fatal("required exporter with a bad endpoint must fail Init")
	}

	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "assistant")
	if err != nil {
		t.Fatalf("optional exporter failure must not fail Init: %v", err)
	}
	defer shutdown(context.Background())
}

func TestInitExporterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", strings.TrimPrefix(srv.URL, "http://"))
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer otlp-token")
	t.Setenv("OTEL_REQUIRED", "true")

	shutdown, err := Init(context.Background(), "assistant")
	if err != nil {
		t.Fatalf("Init with reachable collector: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	for _, name := range []string{"assistant", ""} {
		mw := HTTPMiddleware(name)
		var hit bool
		h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if !hit || rec.Code != http.StatusNoContent {
			t.Fatalf("middleware(%q): hit=%v code=%d", name, hit, rec.Code)
		}
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("nil client must come back instrumented")
	}

	custom := &http.Client{Timeout: time.Second}
	if got := InstrumentClient(custom); got != custom {
		t.Fatal("existing client should be instrumented in place")
	}
	if custom.Transport == nil {
		t.Fatal("transport not wrapped")
	}
}
