package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// serve runs one request through Middleware around h.
func serve(t *testing.T, m *Metrics, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	Middleware(m)(h).ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useSpanRecorder(t)
	m, _ := newTestMetrics(t)

	var inHandler string
	rec := serve(t, m, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	}, httptest.NewRequest(http.MethodGet, "/session", nil))

	if !traceIDPattern.MatchString(inHandler) {
		t.Fatalf("handler saw correlation ID %q", inHandler)
	}
	if got := rec.Header().Get(CorrelationHeader); got != inHandler {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, inHandler)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, inHandler) {
		t.Errorf("traceparent %q does not carry trace %s", tp, inHandler)
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	useSpanRecorder(t)
	m, _ := newTestMetrics(t)
	const traceID = "0af7651916cd43dd8448eb211c80319c"

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
	var inHandler string
	rec := serve(t, m, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	}, req)

	if inHandler != traceID {
		t.Errorf("handler trace = %q, want %q", inHandler, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_ServerSpan(t *testing.T) {
	exp := useSpanRecorder(t)
	m, _ := newTestMetrics(t)

	rec := serve(t, m, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session is idle", http.StatusServiceUnavailable)
	}, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /readyz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /readyz")
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("span status_code = %d, want 503", status)
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	useSpanRecorder(t)
	m, reader := newTestMetrics(t)

	for range 3 {
		serve(t, m, func(http.ResponseWriter, *http.Request) {},
			httptest.NewRequest(http.MethodGet, "/session", nil))
	}

	met := findMetric(collect(t, reader), "pianobridge.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("data = %#v, want one histogram point", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("method"); v.AsString() != http.MethodGet {
		t.Errorf("method = %q", v.AsString())
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/session" {
		t.Errorf("path = %q", v.AsString())
	}
}

func TestMiddleware_PassesHijack(t *testing.T) {
	useSpanRecorder(t)
	m, _ := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
		_ = buf.Flush()
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}
