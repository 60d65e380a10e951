package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"outlineserver/internal/auth"
	"outlineserver/internal/hub"
	"outlineserver/internal/watcher"
)

func startServer(t *testing.T, config Config) (*Server, string) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, config)
	if err != nil {
		t.Fatal(err)
	}
	go s.Loop(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
		s.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, request string) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var message map[string]any
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatal(err)
	}
	return message
}

// silent reports whether nothing arrives on conn for a short while.
func silent(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	return err != nil
}

func TestRefreshReachesOtherSessions(t *testing.T) {
	_, url := startServer(t, Config{DatabaseURL: "", IdleInterval: time.Hour})
	a := dial(t, url)
	b := dial(t, url)

	// wait until both sessions are registered
	send(t, a, `{"id":1,"action":"!do_nothing"}`)
	assert.Equal(t, float64(1), receive(t, a)["id"])
	send(t, b, `{"id":1,"action":"!do_nothing"}`)
	assert.Equal(t, float64(1), receive(t, b)["id"])

	send(t, a, `{"id":2,"action":"!open_file","param":{"filename":""}}`)
	assert.Equal(t, float64(2), receive(t, a)["id"])
	refresh := receive(t, b)
	assert.Equal(t, "refresh", refresh["async"])
	assert.Equal(t, "!open_file", refresh["action"])

	send(t, a, `{"id":7,"action":"-insert-node"}`)
	reply := receive(t, a)
	assert.Equal(t, float64(7), reply["id"])
	assert.Equal(t, true, reply["commander"].(map[string]any)["changed"])

	refresh = receive(t, b)
	assert.Equal(t, "refresh", refresh["async"])
	assert.Equal(t, "-insert-node", refresh["action"])
	assert.Equal(t, true, refresh["opened"])
	_, hasID := refresh["id"]
	assert.Equal(t, false, hasID)

	assert.Equal(t, true, silent(a))
}

func TestReadersDoNotBroadcast(t *testing.T) {
	_, url := startServer(t, Config{DatabaseURL: "", IdleInterval: time.Hour})
	a := dial(t, url)
	b := dial(t, url)
	send(t, b, `{"id":1,"action":"!do_nothing"}`)
	receive(t, b)

	send(t, a, `{"id":1,"action":"!open_file"}`)
	receive(t, a)
	receive(t, b)

	send(t, a, `{"id":2,"action":"!get_children"}`)
	assert.Equal(t, float64(2), receive(t, a)["id"])
	assert.Equal(t, true, silent(b))
}

func TestProtocolErrorKeepsConnection(t *testing.T) {
	_, url := startServer(t, Config{DatabaseURL: "", IdleInterval: time.Hour})
	a := dial(t, url)

	send(t, a, `{"id":2,"action":"nonexistent-thing"}`)
	reply := receive(t, a)
	assert.Equal(t, float64(2), reply["id"])
	assert.Equal(t, "nonexistent-thing", reply["action"])
	assert.Equal(t, true, strings.Contains(reply["ServerError"].(string), "not found"))

	send(t, a, `{"id":3,"action":"!get_version"}`)
	reply = receive(t, a)
	assert.Equal(t, float64(3), reply["id"])
	assert.Equal(t, Version, reply["version"])
}

func TestWatcherAsksOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.leo")
	_, url := startServer(t, Config{DatabaseURL: "", IdleInterval: 10 * time.Millisecond})
	a := dial(t, url)

	send(t, a, `{"id":1,"action":"!open_file","param":{"filename":"`+filepath.ToSlash(path)+`"}}`)
	receive(t, a)
	send(t, a, `{"id":2,"action":"!save_file"}`)
	receive(t, a)

	if err := os.WriteFile(path, []byte(`{"version":1,"nodes":[{"gnx":"x","headline":"changed"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ask := receive(t, a)
	assert.Equal(t, "ask", ask["async"])
	assert.Equal(t, filepath.ToSlash(path), filepath.ToSlash(ask["path"].(string)))

	send(t, a, `{"id":3,"action":"!set_ask_result","param":{"result":"yes"}}`)
	reply := receive(t, a)
	assert.Equal(t, float64(3), reply["id"])
	assert.Equal(t, "changed", reply["node"].(map[string]any)["headline"])
	assert.Equal(t, true, silent(a))
}

func TestDroppedSessionReleasesQuestion(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Config{IdleInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	// no pumps and no Loop: the queue only fills
	slow := hub.NewClient(nil, "")
	other := hub.NewClient(nil, "")
	s.hub.Register(slow)
	s.hub.Register(other)

	path := filepath.Join(t.TempDir(), "a.leo")
	c, err := s.registry.Open(ctx, path)
	assert.Equal(t, nil, err)
	c.SetOwner(slow.ID())
	assert.Equal(t, nil, c.Save())

	if err := os.WriteFile(path, []byte(`{"version":1,"nodes":[{"gnx":"x","headline":"changed"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s.watcher.Tick()
	q, ok := s.watcher.Pending()
	assert.Equal(t, true, ok)
	assert.Equal(t, slow.ID(), q.Session)

	for s.hub.Send(slow.ID(), []byte(`{}`)) {
	}
	assert.Equal(t, false, s.hub.Has(slow.ID()))
	assert.Equal(t, watcher.Idle, s.watcher.State())
	_, ok = s.watcher.Pending()
	assert.Equal(t, false, ok)

	// the read pump's late unregister finds nothing left to do
	assert.Equal(t, false, s.hub.Unregister(slow))
	for i := 0; i < 5; i++ {
		s.watcher.Tick()
	}
	assert.Equal(t, watcher.Idle, s.watcher.State())
	assert.Equal(t, true, s.hub.Has(other.ID()))
}

func TestHealth(t *testing.T) {
	s, url := startServer(t, Config{DatabaseURL: "", IdleInterval: time.Hour})
	a := dial(t, url)
	send(t, a, `{"id":1,"action":"!do_nothing"}`)
	receive(t, a)

	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	var h health
	assert.Equal(t, nil, json.Unmarshal(recorder.Body.Bytes(), &h))
	assert.Equal(t, 1, h.Sessions)
	assert.Equal(t, "idle", h.Watcher)
}

func TestAuthRequired(t *testing.T) {
	_, url := startServer(t, Config{DatabaseURL: "", AuthSecret: "secret", IdleInterval: time.Hour})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.New("secret").Issue("tester", time.Minute)
	assert.Equal(t, nil, err)
	conn := dial(t, url+"?token="+token)
	send(t, conn, `{"id":1,"action":"!do_nothing"}`)
	assert.Equal(t, float64(1), receive(t, conn)["id"])
}

func TestShutDownClosesDone(t *testing.T) {
	s, url := startServer(t, Config{DatabaseURL: filepath.Join(t.TempDir(), "state.db"), IdleInterval: time.Hour})
	a := dial(t, url)

	send(t, a, `{"id":1,"action":"!open_file"}`)
	receive(t, a)
	send(t, a, `{"id":2,"action":"!shut_down"}`)
	assert.NotEqual(t, nil, receive(t, a)["ServerError"])

	send(t, a, `{"id":3,"action":"!close_file","param":{"forced":true}}`)
	receive(t, a)
	send(t, a, `{"id":4,"action":"!shut_down"}`)
	assert.Equal(t, true, receive(t, a)["shutdown"])

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OUTLINE_ADDR", ":9999")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DATABASE_URL", "postgres://db/outline")
	t.Setenv("OUTLINE_AUTH_SECRET", "")

	config := DefaultConfig()
	config.ApplyEnv()
	assert.Equal(t, ":9999", config.Addr)
	assert.Equal(t, "redis:6379", config.RedisAddr)
	assert.Equal(t, "postgres://db/outline", config.DatabaseURL)
	assert.Equal(t, "", config.AuthSecret)
}
