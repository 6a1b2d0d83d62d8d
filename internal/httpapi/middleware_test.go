package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"investcalc.org/internal/ids"
	"investcalc.org/internal/obs"
)

func TestRequestIDReusesValidHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = obs.RequestIDFromContext(r.Context())
	}))

	incoming := ids.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, incoming)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != incoming || rr.Header().Get(requestIDHeader) != incoming {
		t.Fatalf("expected incoming id to be kept, got ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "<script>")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen == "<script>" || !ids.Valid(seen) {
		t.Fatalf("expected malformed id to be replaced, got %q", seen)
	}
}

func TestAccessLogEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	obs.InitLogger(obs.LogConfig{Level: "info", Output: &buf})
	defer obs.InitLogger(obs.LogConfig{Level: "disabled"})

	handler := RequestID(AccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	req := httptest.NewRequest(http.MethodPost, "/v1/things", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log entry: %v (%s)", err, buf.String())
	}
	if entry["message"] != "request_complete" || entry["method"] != http.MethodPost {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["path"] != "/v1/things" {
		t.Fatalf("unexpected status or path: %v", entry)
	}
	if id, _ := entry["request_id"].(string); !ids.Valid(id) {
		t.Fatalf("expected request_id in entry: %v", entry)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	handler := MaxBodyBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := decodeJSON(r, &v); err != nil {
			badBody(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"key":"a much longer value"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestIPLimiterSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newIPLimiter(1, 1)
	l.now = func() time.Time { return now }

	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Fatal("first call should pass")
	}
	ok, retry := l.allow("10.0.0.1")
	if ok || retry != time.Second {
		t.Fatalf("second call should be limited with 1s retry, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := l.allow("10.0.0.2"); !ok {
		t.Fatal("other clients have their own bucket")
	}

	now = now.Add(10 * time.Minute)
	l.allow("10.0.0.3")
	if _, ok := l.buckets["10.0.0.1"]; ok {
		t.Fatal("idle bucket should have been swept")
	}
}

func TestClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.9"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	cases := []struct {
		remote, xff, want string
	}{
		{"192.0.2.1:1234", "", "192.0.2.1"},
		{"192.0.2.1:1234", "203.0.113.5", "192.0.2.1"},
		{"10.1.2.3:443", "", "10.1.2.3"},
		{"10.1.2.3:443", "203.0.113.5", "203.0.113.5"},
		{"10.1.2.3:443", "1.1.1.1, 203.0.113.5, 10.0.0.7", "203.0.113.5"},
		{"192.0.2.9:80", "10.0.0.2, 10.0.0.3", "10.0.0.2"},
		{"10.1.2.3:443", "garbage, 10.0.0.4", "10.0.0.4"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if ip := clientIP(req, trusted); ip != tc.want {
			t.Fatalf("remote %s xff %q: expected %q, got %q", tc.remote, tc.xff, tc.want, ip)
		}
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseTrustedProxies([]string{"10.0.0.0/8", "proxy.internal"}); err == nil {
		t.Fatal("expected an error for a hostname")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		err    error
	}{
		{"", "", errMissingBearer},
		{"Bearer ", "", errMissingBearer},
		{"Basic abc", "", errBadScheme},
		{"bearer abc.def.ghi", "abc.def.ghi", nil},
		{"  Bearer   tok  ", "tok", nil},
	}
	for _, tc := range cases {
		token, err := extractBearerToken(tc.header)
		if err != tc.err || token != tc.token {
			t.Fatalf("%q: got (%q, %v), want (%q, %v)", tc.header, token, err, tc.token, tc.err)
		}
	}
}
