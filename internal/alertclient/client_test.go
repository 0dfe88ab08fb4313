package alertclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendPostsAlert(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/alerts", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	err := c.Send(context.Background(), Alert{
		Source:    "presence-engine",
		SessionID: "sess-1",
		Flag:      "system_error",
		At:        time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, "system_error", got.Flag)
}

func TestSendSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	require.Error(t, c.Send(context.Background(), Alert{Flag: "system_error"}))
}

func TestSkipShortCircuits(t *testing.T) {
	c := New("http://localhost:1", true) // nothing listening; must not matter
	require.NoError(t, c.Send(context.Background(), Alert{Flag: "system_error"}))
	require.NoError(t, c.Health(context.Background()))
}
