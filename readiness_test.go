package resilix_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/byte4ever/resilix"
)

func serveReadiness(t *testing.T, eng *resilix.Engine) (*httptest.ResponseRecorder, resilix.ReadinessStatus) {
	t.Helper()

	rec := httptest.NewRecorder()
	resilix.ReadinessHandler(eng).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var rs resilix.ReadinessStatus
	if err := json.NewDecoder(rec.Body).Decode(&rs); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	return rec, rs
}

func TestReadinessHandlerAllHealthy(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg, breakerOnly("api", 3))

	eng := resilix.NewEngine(reg, resilix.WithClock(resilix.NewManualClock(epoch)))
	call(eng, "api", nil)

	rec, rs := serveReadiness(t, eng)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	if !rs.Ready || len(rs.Targets) != 1 || rs.Targets[0].Target != "api" {
		t.Fatalf("body = %+v", rs)
	}
}

func TestReadinessHandlerOpenBreaker(t *testing.T) {
	reg := resilix.NewRegistry()
	mustRegister(t, reg, breakerOnly("api", 2))

	eng := resilix.NewEngine(reg, resilix.WithClock(resilix.NewManualClock(epoch)))

	for range 2 {
		call(eng, "api", resilix.Permanent(errors.New("down")))
	}

	rec, rs := serveReadiness(t, eng)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rs.Ready || rs.Targets[0].Breaker.State != resilix.StateOpen {
		t.Fatalf("body = %+v", rs)
	}
}
