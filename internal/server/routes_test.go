package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

func startServer(t *testing.T, opts Options) (*httptest.Server, *signaling.Hub) {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Logger = quiet

	hub := signaling.NewHub(signaling.DefaultConfig(), signaling.WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, opts))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, hub
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func TestHealth(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, Options{})

	resp, err := http.Get(srv.URL + "/health")
	req.NoError(err)
	defer resp.Body.Close()

	req.Equal(http.StatusOK, resp.StatusCode)
}

func TestUsers_Snapshot(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, Options{})

	// Empty relay lists nobody, as a JSON array
	resp, err := http.Get(srv.URL + "/users")
	req.NoError(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	req.Equal("[]\n", string(body))

	// Given a connected user
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "id=u1&name=alice"), nil)
	req.NoError(err)
	defer conn.Close()
	req.Eventually(func() bool { return len(hub.Presence()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Then it is listed
	resp, err = http.Get(srv.URL + "/users")
	req.NoError(err)
	defer resp.Body.Close()
	var users []protocol.User
	req.NoError(json.NewDecoder(resp.Body).Decode(&users))
	req.Equal([]protocol.User{{Identity: "u1", DisplayName: "alice"}}, users)
}

func TestServeWs_Rejects_Unknown_Codec(t *testing.T) {
	srv, _ := startServer(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "codec=xml"), nil)

	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeWs_Checks_Origin(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, Options{AllowedOrigins: []string{"https://app.example/"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	req.Error(err)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://APP.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	req.NoError(err)
	conn.Close()

	// Tools without an origin header are let through
	conn, _, err = websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	req.NoError(err)
	conn.Close()
}
