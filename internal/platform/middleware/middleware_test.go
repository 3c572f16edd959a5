package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func run(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	handler := mw(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, c
}

func TestRequestIDGenerated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, c := run(t, RequestID(), req)

	rid := rec.Header().Get("X-Request-ID")
	if rid == "" {
		t.Fatal("no request id generated")
	}
	if got, _ := c.Get("request_id").(string); got != rid {
		t.Errorf("context id %q does not match header %q", got, rid)
	}
}

func TestRequestIDReusesCallerID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id-123")
	rec, _ := run(t, RequestID(), req)

	if got := rec.Header().Get("X-Request-ID"); got != "upstream-id-123" {
		t.Errorf("caller-supplied id was replaced: %q", got)
	}
}

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec, _ := run(t, mw, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d within burst was limited: %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec, _ := run(t, mw, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestRateLimitIsPerClient(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	if rec, _ := run(t, mw, first); rec.Code != http.StatusOK {
		t.Fatalf("first client blocked: %d", rec.Code)
	}

	exhausted := httptest.NewRequest(http.MethodGet, "/", nil)
	exhausted.RemoteAddr = "10.0.0.1:1234"
	if rec, _ := run(t, mw, exhausted); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("first client should be exhausted, got %d", rec.Code)
	}

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	if rec, _ := run(t, mw, other); rec.Code != http.StatusOK {
		t.Errorf("second client should have its own bucket, got %d", rec.Code)
	}
}
