package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decisionOf(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{0xaa, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		Name:          "engine.execute_intent",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		arg  string
		want sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample}, // clamps to 1
		{"traceidratio", "-1", sdktrace.Drop},           // clamps to 0
		{"parentbased", "0", sdktrace.Drop},
		{"unknown", "", sdktrace.RecordAndSample},
	}
	for _, tt := range tests {
		if got := decisionOf(parseSampler(tt.name, tt.arg)); got != tt.want {
			t.Fatalf("parseSampler(%q, %q) = %v, want %v", tt.name, tt.arg, got, tt.want)
		}
	}
}

func TestOTLPHeaders(t *testing.T) {
	t.Parallel()

	headers := otlpHeaders("authorization=Bearer abc, x-env = prod,broken")
	if len(headers) != 2 || headers["authorization"] != "Bearer abc" || headers["x-env"] != "prod" {
		t.Fatalf("headers = %#v", headers)
	}
	if got := otlpHeaders("   "); got != nil {
		t.Fatalf("blank input: %v", got)
	}
	if got := otlpHeaders("k1=v1, , =bad, k2=v2"); len(got) != 2 {
		t.Fatalf("malformed parts should be skipped: %#v", got)
	}
}

func TestIntFromEnv(t *testing.T) {
	t.Setenv("WARDEN_TELEMETRY_INT", "42")
	if got := intFromEnv("WARDEN_TELEMETRY_INT", 1); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	t.Setenv("WARDEN_TELEMETRY_INT", "bad")
	if got := intFromEnv("WARDEN_TELEMETRY_INT", 7); got != 7 {
		t.Fatalf("got %d, want default 7", got)
	}
}

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "gateway")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("missing shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("existing client should be mutated in place")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}

	// blank service name falls back to the module default
	handler = HTTPMiddleware("   ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/actions", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	t.Setenv("OTEL_REQUIRED", "false")
	optionalCtx, cancelOptional := context.WithCancel(context.Background())
	cancelOptional()
	shutdown, err := Init(optionalCtx, "gateway")
	if err != nil {
		t.Fatalf("optional exporter must fall back, got %v", err)
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	requiredCtx, cancelRequired := context.WithCancel(context.Background())
	cancelRequired()
	if _, err := Init(requiredCtx, "gateway"); err == nil {
		t.Fatal("OTEL_REQUIRED=true must surface exporter init failure")
	}
}

func TestInitExporterSuccess(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-env=test")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "   ")
	if err != nil {
		t.Fatalf("exporter init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitExporterBadEndpointFormat(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	// scheme-prefixed endpoints are invalid for WithEndpoint
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, "gateway"); err == nil {
		t.Fatal("want init error for scheme-prefixed endpoint")
	}
}
