package solver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubService(t *testing.T, pollsUntilReady int64) (*httptest.Server, *int64) {
	t.Helper()
	var polls int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/in.php":
			assert.Equal(t, "test-key", r.URL.Query().Get("key"))
			assert.NotEmpty(t, r.URL.Query().Get("sitekey"))
			fmt.Fprint(w, `{"status":1,"request":"task-42"}`)
		case "/res.php":
			assert.Equal(t, "task-42", r.URL.Query().Get("id"))
			if atomic.AddInt64(&polls, 1) < pollsUntilReady {
				fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
				return
			}
			fmt.Fprint(w, `{"status":1,"request":"solved-token"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func fastSolver(srv *httptest.Server) *HTTPSolver {
	s := NewHTTPSolver("test-key", srv.URL)
	s.pollInterval = 5 * time.Millisecond
	s.timeout = time.Second
	return s
}

func TestSolvePollsUntilReady(t *testing.T) {
	srv, polls := newStubService(t, 3)
	s := fastSolver(srv)

	token, err := s.Solve(context.Background(), Challenge{
		Vendor:  "recaptcha",
		Sitekey: "6LeIxAcT",
		PageURL: "https://jobs.example.com/apply",
	})
	require.NoError(t, err)
	assert.Equal(t, "solved-token", token)
	assert.Equal(t, int64(3), atomic.LoadInt64(polls))
}

func TestSolveRejectsUnknownVendor(t *testing.T) {
	srv, _ := newStubService(t, 1)
	s := fastSolver(srv)

	_, err := s.Solve(context.Background(), Challenge{Vendor: "funcaptcha", Sitekey: "x"})
	assert.Error(t, err)
}

func TestSolveRequiresSitekey(t *testing.T) {
	srv, _ := newStubService(t, 1)
	s := fastSolver(srv)

	_, err := s.Solve(context.Background(), Challenge{Vendor: "recaptcha"})
	assert.Error(t, err)
}

func TestSolveSurfacesServiceRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":0,"request":"ERROR_WRONG_USER_KEY"}`)
	}))
	t.Cleanup(srv.Close)
	s := fastSolver(srv)

	_, err := s.Solve(context.Background(), Challenge{Vendor: "hcaptcha", Sitekey: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_WRONG_USER_KEY")
}

func TestSolveHonoursContextCancellation(t *testing.T) {
	srv, _ := newStubService(t, 1000)
	s := fastSolver(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Solve(ctx, Challenge{Vendor: "cloudflare", Sitekey: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
