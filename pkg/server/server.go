// Package server hosts the WebSocket endpoint and everything that hangs
// off a live connection: sessions and their send pipelines, the request
// dispatcher with its capability gates, admission and auth, the global
// lobby, server settings, guest names, and per-IP connection accounting.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/collabvm/collabvm-server/internal/db"
	"github.com/collabvm/collabvm-server/pkg/captcha"
	"github.com/collabvm/collabvm-server/pkg/channel"
	"github.com/collabvm/collabvm-server/pkg/executor"
	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/registry"
)

const (
	// lobbyID is the channel id of the global chat room.
	lobbyID uint32 = 0

	// sendQueueLimit caps a session's outbound queue; beyond it the
	// consumer is too slow to keep and gets disconnected.
	sendQueueLimit = 512
)

// Server owns the HTTP surface and the cross-session state.
type Server struct {
	config  Config
	logger  *slog.Logger
	metrics *Metrics

	store    *db.Store
	verifier *captcha.Verifier
	registry *registry.Registry

	// state serializes the session table, guest names, server settings,
	// and the lobby channel. login serializes the bcrypt-heavy store
	// calls so password hashing cannot starve anything else.
	state *executor.Executor
	login *executor.Executor

	ipTable        *ipTable
	trustedProxies *proxyMatcher
	upgrader       websocket.Upgrader
	promRegistry   *prometheus.Registry

	// vmIndex mirrors the registry's id map so session owners can
	// resolve a VM pointer without a blocking hop. Values are *registry.VM.
	vmIndex sync.Map

	// Owned by state.
	sessions      map[*Session]struct{}
	byUsername    map[string]*Session
	byID          map[string]*Session
	reserved      map[string]struct{}
	configViewers map[*Session]struct{}
	settings      []protocol.ServerSetting
	lobby         *channel.Channel

	httpServer *http.Server
}

// New loads persisted state and assembles a server. The agent factory
// dials the remote-desktop endpoint of a VM when it starts.
func New(config Config, store *db.Store, factory registry.AgentFactory, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	settings, err := store.LoadServerSettings()
	if err != nil {
		return nil, fmt.Errorf("server: load settings: %w", err)
	}
	reservedNames, err := store.ReadReservedUsernames()
	if err != nil {
		return nil, fmt.Errorf("server: load reserved usernames: %w", err)
	}
	reserved := make(map[string]struct{}, len(reservedNames))
	for _, name := range reservedNames {
		reserved[name] = struct{}{}
	}

	promRegistry := prometheus.NewRegistry()
	srv := &Server{
		config:         config,
		logger:         logger.With("component", "server"),
		metrics:        NewMetrics(promRegistry),
		store:          store,
		verifier:       captcha.NewVerifier(),
		state:          executor.New("server-state", logger),
		login:          executor.New("login", logger),
		ipTable:        newIPTable(logger),
		trustedProxies: newProxyMatcher(config.TrustedProxies, logger),
		promRegistry:   promRegistry,
		sessions:       make(map[*Session]struct{}),
		byUsername:     make(map[string]*Session),
		byID:           make(map[string]*Session),
		reserved:       reserved,
		configViewers:  make(map[*Session]struct{}),
		settings:       settings,
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The binary protocol carries no cookies or ambient authority, so
		// cross-origin pages gain nothing a native client could not do.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv.lobby = channel.New(lobbyID, srv.state.Dispatch,
		func() time.Duration { return 0 },
		func() time.Duration { return 0 },
		nil)
	srv.ipTable.SetLimit(
		settings[protocol.ServerSettingMaxConnectionsEnabled].MaxConnectionsEnabled,
		settings[protocol.ServerSettingMaxConnections].MaxConnections,
	)

	srv.registry = registry.New(store, config.RecordingsDir, factory,
		func(n int) { srv.metrics.recordingBytes.Add(float64(n)) }, logger)
	if err := srv.loadVMs(); err != nil {
		return nil, err
	}
	return srv, nil
}

// loadVMs restores persisted VMs into the registry and optionally starts
// the auto-start ones.
func (srv *Server) loadVMs() error {
	configs, err := srv.store.LoadVMs()
	if err != nil {
		return fmt.Errorf("server: load vms: %w", err)
	}
	done := make(chan struct{})
	srv.registry.Dispatch(func() {
		defer close(done)
		for _, cfg := range configs {
			vm := srv.registry.AddExisting(cfg.ID, cfg.Settings)
			srv.vmIndex.Store(cfg.ID, vm)
			if srv.config.AutoStartVMs && cfg.Settings[protocol.VMSettingAutoStart].AutoStart {
				vm.Dispatch(vm.Start)
			}
		}
	})
	<-done
	return nil
}

// lookupVM resolves a VM by channel id. Safe from any goroutine.
func (srv *Server) lookupVM(id uint32) (*registry.VM, bool) {
	v, ok := srv.vmIndex.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*registry.VM), true
}

// Router builds the HTTP surface: the WebSocket endpoint, health and
// metrics, and the static doc root.
func (srv *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(srv.promRegistry, promhttp.HandlerOpts{}))
	r.Get("/ws", srv.handleWS)
	if srv.config.DocRoot != "" {
		r.Handle("/*", http.FileServer(http.Dir(srv.config.DocRoot)))
	}
	return r
}

// Run serves until the context is canceled, then shuts everything down.
func (srv *Server) Run(ctx context.Context) error {
	srv.registry.StartTicker()

	srv.httpServer = &http.Server{
		Addr:              srv.config.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("listening", "addr", srv.config.Listen)
		errCh <- srv.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.httpServer.Shutdown(shutdownCtx)
		srv.close()
		return err
	case err := <-errCh:
		srv.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (srv *Server) close() {
	srv.registry.Close()
	srv.state.Close()
	srv.login.Close()
	srv.ipTable.Close()
}

// handleWS admits and upgrades one connection.
func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIPFromRequest(r, srv.trustedProxies)
	if ip == nil {
		http.Error(w, "bad address", http.StatusBadRequest)
		return
	}
	if !srv.ipTable.TryAcquire(ip.String()) {
		srv.metrics.ipRejections.Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.ipTable.Release(ip.String())
		return
	}
	srv.metrics.activeSessions.Inc()
	srv.metrics.sessionsTotal.Inc()

	s := newSession(srv, conn, ip)
	srv.state.Dispatch(func() {
		name := srv.registerSession(s)
		gate := srv.captchaGateEnabled()
		s.Dispatch(func() {
			s.username = name
			s.captchaRequired = gate
			s.QueueMessage(protocol.EncodeUsernameChanged(lobbyID, "", name))
			s.QueueMessage(protocol.EncodeCaptchaRequired(gate))
			// Frames read before this point would race the admission
			// state, so the read loop starts only now.
			go s.readLoop()
		})
	})
}
