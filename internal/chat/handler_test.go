package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type stubPresence struct {
	logins  []string
	online  time.Time
	offline time.Time
	err     error
}

func (s stubPresence) Online(context.Context) ([]string, error) {
	return s.logins, s.err
}

func (s stubPresence) LastSeen(context.Context, string) (time.Time, time.Time, error) {
	return s.online, s.offline, s.err
}

func presenceRouter(p presenceReader) http.Handler {
	h := NewHandler(nil, nil, nil, nil, p, testLogger(), 0)
	r := chi.NewRouter()
	r.Get("/api/presence", h.Presence)
	r.Get("/api/presence/{login}", h.LastSeen)
	return r
}

func TestPresenceEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	presenceRouter(stubPresence{logins: []string{"alice", "bob"}}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"online":["alice","bob"]}`, rr.Body.String())
}

func TestPresenceEndpointEmpty(t *testing.T) {
	rr := httptest.NewRecorder()
	presenceRouter(stubPresence{}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"online":[]}`, rr.Body.String())
}

func TestPresenceEndpointBackendFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	presenceRouter(stubPresence{err: errors.New("connection refused")}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLastSeenEndpoint(t *testing.T) {
	on := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	off := time.Date(2026, 8, 27, 18, 30, 0, 0, time.UTC)

	rr := httptest.NewRecorder()
	presenceRouter(stubPresence{online: on, offline: off}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence/alice", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{
		"login": "alice",
		"last_online": "2026-08-27T10:00:00Z",
		"last_offline": "2026-08-27T18:30:00Z"
	}`, rr.Body.String())
}

func TestLastSeenEndpointNeverSeen(t *testing.T) {
	rr := httptest.NewRecorder()
	presenceRouter(stubPresence{}).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/presence/ghost", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"login":"ghost"}`, rr.Body.String())
}
