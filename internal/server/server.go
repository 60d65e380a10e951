// Package server wires the hub, registry, watcher and dispatcher into one
// event loop and serves sessions over websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"outlineserver/internal/auth"
	"outlineserver/internal/commander"
	"outlineserver/internal/discovery"
	"outlineserver/internal/dispatch"
	"outlineserver/internal/hub"
	"outlineserver/internal/relay"
	"outlineserver/internal/store"
	"outlineserver/internal/watcher"
)

const (
	shutdownGrace   = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
	relayQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns every piece of session and document state. All of it is
// touched only from the goroutine running Loop.
type Server struct {
	config Config

	registry   *commander.Registry
	hub        *hub.Hub
	watcher    *watcher.Watcher
	dispatcher *dispatch.Dispatcher

	store     store.Store
	relay     *relay.Redis
	authority *auth.Authority

	register   chan *hub.Client
	unregister chan *hub.Client
	requests   chan hub.Request
	relayed    chan []byte
	calls      chan func()

	// life ends when the loop exits and releases the client pumps
	life     context.Context
	end      context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	router *mux.Router
}

func New(ctx context.Context, config Config) (*Server, error) {
	config = config.withDefaults()
	s := &Server{
		config:     config,
		register:   make(chan *hub.Client),
		unregister: make(chan *hub.Client),
		requests:   make(chan hub.Request),
		relayed:    make(chan []byte, relayQueueSize),
		calls:      make(chan func()),
		done:       make(chan struct{}),
	}
	s.life, s.end = context.WithCancel(context.Background())

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	var relayer hub.Relay
	if config.RedisAddr != "" {
		r, err := relay.NewRedis(ctx, config.RedisAddr, config.RedisChannel)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.relay = r
		relayer = r
	}
	// every way a session leaves, including slow-client drops, settles its question
	s.hub = hub.New(relayer, hub.OnUnregister(func(id string) { s.watcher.SessionClosed(id) }))

	opts := []commander.Option{
		commander.OnOpen(func(c *commander.Commander) { s.watcher.Opened(c) }),
		commander.OnWrite(func(path string) { s.watcher.Record(path) }),
		commander.OnClose(func(c *commander.Commander) { s.watcher.Forget(c) }),
	}
	if s.store != nil {
		opts = append(opts, commander.WithCache(s.store))
	}
	s.registry = commander.NewRegistry(opts...)
	s.watcher = watcher.New(s.registry, s.hub, watcher.WithAnswerTTL(config.AnswerTTL))

	env := dispatch.Env{
		Registry: s.registry,
		Hub:      s.hub,
		Watcher:  s.watcher,
		Shutdown: s.shutdown,
		Version:  Version,
	}
	if s.store != nil {
		env.Recent = s.store
	}
	s.dispatcher = dispatch.New(env)

	if config.AuthSecret != "" {
		s.authority = auth.New(config.AuthSecret)
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	dsn := s.config.DatabaseURL
	if dsn == "" {
		return nil
	}
	if !strings.Contains(dsn, "://") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	s.store = st
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Done is closed after a client asks the server to shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		// let the reply reach the client first
		time.AfterFunc(shutdownGrace, func() { close(s.done) })
	})
}

// Close releases the store and the relay connection.
func (s *Server) Close() error {
	s.end()
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	return errors.Join(errs...)
}

// Run serves until ctx is done or a client shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	httpServer := &http.Server{Handler: s.Handler()}

	if s.config.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		ad, err := discovery.Advertise(s.config.Instance, port, Version)
		if err != nil {
			glog.Warningf("[server]advertise = %s\n", err)
		} else {
			defer ad.Shutdown()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Loop(ctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-s.done:
			glog.Infof("[server]shutting down\n")
			cancel()
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		glog.Infof("[server]listening on %s\n", listener.Addr())
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Run(ctx, s.relayed)
		})
	}
	return g.Wait()
}

// Loop is the single owner of hub, registry, watcher and dispatcher. It runs
// until ctx is done or the server is shut down.
func (s *Server) Loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.IdleInterval)
	defer func() {
		ticker.Stop()
		s.hub.CloseAll()
		s.end()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case c := <-s.register:
			s.hub.Register(c)
		case c := <-s.unregister:
			s.hub.Unregister(c)
		case r := <-s.requests:
			s.handle(ctx, r)
		case payload := <-s.relayed:
			s.hub.Deliver(payload)
		case fn := <-s.calls:
			fn()
		case <-ticker.C:
			s.watcher.Tick()
		}
	}
}

func (s *Server) handle(ctx context.Context, r hub.Request) {
	id := r.Client.ID()
	if !s.hub.Has(id) {
		return
	}
	out := s.dispatcher.Dispatch(ctx, id, r.Raw)
	if out.Kind == dispatch.Fatal {
		glog.Errorf("[server]closing %s = %s\n", id, out.Err)
		s.hub.Unregister(r.Client)
		return
	}
	s.hub.Send(id, out.Reply)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if s.authority != nil {
		var err error
		subject, err = s.authority.Authenticate(r)
		if err != nil {
			glog.Infof("[server]reject %s = %s\n", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[server]upgrade %s = %s\n", r.RemoteAddr, err)
		return
	}
	client := hub.NewClient(conn, subject)
	select {
	case s.register <- client:
	case <-s.life.Done():
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump(s.life, s.requests, s.unregister)
}

type health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Outlines int    `json:"outlines"`
	Watcher  string `json:"watcher"`
	Version  string `json:"version"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	result := make(chan health, 1)
	fn := func() {
		result <- health{
			Status:   "ok",
			Sessions: s.hub.Len(),
			Outlines: s.registry.Len(),
			Watcher:  s.watcher.State().String(),
			Version:  Version,
		}
	}
	select {
	case s.calls <- fn:
	case <-s.life.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(<-result)
}
