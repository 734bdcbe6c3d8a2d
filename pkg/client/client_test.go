package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvents(t *testing.T) {
	stream := ": heartbeat\n\n" +
		"event: init\ndata: {\"sessionId\":\"s1\"}\n\n" +
		"event: message\r\ndata: {\"content\":\"hi\"}\r\n\r\n" +
		"event: end\ndata: {}\n\n"

	var got []Event
	err := ReadEvents(strings.NewReader(stream), func(e Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "init", got[0].Type)
	assert.Equal(t, "message", got[1].Type)
	assert.Equal(t, "end", got[2].Type)

	var init struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, got[0].Decode(&init))
	assert.Equal(t, "s1", init.SessionID)
}

func TestReadEventsStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := ReadEvents(strings.NewReader("event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"), func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestClient(t *testing.T) {
	var approved map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: init\ndata: {\"sessionId\":\"s1\"}\n\nevent: end\ndata: {}\n\n")
	})
	mux.HandleFunc("POST /api/chat/approve", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&approved)
		w.Write([]byte(`true`))
	})
	mux.HandleFunc("POST /api/chat/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"nothing to abort"}}`))
	})
	mux.HandleFunc("GET /api/chat/active", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s1", r.URL.Query().Get("sessionId"))
		w.Write([]byte(`{"sessions":["s1"],"pendingApprovals":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL + "/")
	ctx := context.Background()

	var seen []string
	require.NoError(t, c.Chat(ctx, ChatRequest{Message: "hi"}, func(e Event) error {
		seen = append(seen, e.Type)
		return nil
	}))
	assert.Equal(t, []string{"init", "end"}, seen)

	require.NoError(t, c.Approve(ctx, "r1", "allow"))
	assert.Equal(t, map[string]string{"requestId": "r1", "decision": "allow"}, approved)

	active, err := c.Active(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, active.Sessions)

	_, err = c.Abort(ctx, "s1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "nothing to abort")
}
