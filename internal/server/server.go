// Package server owns the process-wide service handles and the listener
// wiring: it accepts connections on the unix socket (and optionally TCP),
// runs each session's command loop, and shuts everything down in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pimd/pimd/internal/config"
	"github.com/pimd/pimd/internal/handler"
	"github.com/pimd/pimd/internal/notify"
	"github.com/pimd/pimd/internal/obs"
	"github.com/pimd/pimd/internal/retrieval"
	"github.com/pimd/pimd/internal/scheduler"
	"github.com/pimd/pimd/internal/stats"
	"github.com/pimd/pimd/internal/store"
	"github.com/pimd/pimd/internal/streamer"
	"github.com/pimd/pimd/internal/types"
)

// Server is the assembled pimd process.
type Server struct {
	cfg   *config.Config
	store *store.Store
	env   *handler.Env
	sched *scheduler.Scheduler
	tel   *obs.Telemetry

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closing   bool
}

// statsLoader adapts the store to the statistics cache.
type statsLoader struct{ store *store.Store }

func (l statsLoader) LoadStats(ctx context.Context, colID int64) (types.Stats, error) {
	var st types.Stats
	err := l.store.View(ctx, func(tx *store.Tx) error {
		var err error
		st, err = tx.CollectionStats(ctx, colID)
		return err
	})
	return st, err
}

func (l statsLoader) LoadAllStats(ctx context.Context) (map[int64]types.Stats, error) {
	out := make(map[int64]types.Stats)
	err := l.store.View(ctx, func(tx *store.Tx) error {
		cols, err := tx.AllCollections(ctx)
		if err != nil {
			return err
		}
		for _, col := range cols {
			st, err := tx.CollectionStats(ctx, col.ID)
			if err != nil {
				return err
			}
			out[col.ID] = st
		}
		return nil
	})
	return out, err
}

// schedulerSource adapts the store to the interval scheduler.
type schedulerSource struct {
	store       *store.Store
	defInterval time.Duration
}

func (s schedulerSource) SyncIntervals(ctx context.Context) (map[int64]time.Duration, error) {
	out := make(map[int64]time.Duration)
	err := s.store.View(ctx, func(tx *store.Tx) error {
		cols, err := tx.AllCollections(ctx)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if !col.EffectiveSyncEligible() || col.Virtual {
				continue
			}
			out[col.ID] = s.interval(col)
		}
		return nil
	})
	return out, err
}

func (s schedulerSource) SyncInterval(ctx context.Context, colID int64) (time.Duration, bool, error) {
	var col types.Collection
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		col, err = tx.CollectionByID(ctx, colID)
		return err
	})
	if err != nil {
		if store.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !col.EffectiveSyncEligible() || col.Virtual {
		return 0, false, nil
	}
	return s.interval(col), true, nil
}

func (s schedulerSource) interval(col types.Collection) time.Duration {
	if col.CachePolicy.Inherit || col.CachePolicy.CheckInterval <= 0 {
		return s.defInterval
	}
	return time.Duration(col.CachePolicy.CheckInterval) * time.Minute
}

// New assembles the server from its configuration: store, router,
// statistics cache, part streamer, peer registry, retrieval coordinator,
// interval scheduler, and telemetry.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	st, err := store.Open(ctx, cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	tel, err := obs.NewTelemetry(ctx, obs.TelemetryOptions{
		OTLPEndpoint: cfg.OTLPEndpoint(),
		Debug:        obs.Enabled(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	router := notify.NewRouter()
	statsCache := stats.New(stats.Prefetch, statsLoader{store: st})
	registry := NewRegistry()
	coordinator := retrieval.New(st, registry)
	sched := scheduler.New(
		schedulerSource{store: st, defInterval: cfg.DefaultInterval()},
		coordinator.SyncCollection,
		scheduler.Options{
			MinimumInterval: cfg.MinimumInterval(),
			DefaultInterval: cfg.DefaultInterval(),
		})

	env := &handler.Env{
		Store:     st,
		Router:    router,
		Stats:     statsCache,
		Scheduler: sched,
		Retrieval: coordinator,
		Streamer:  &streamer.Streamer{SizeThreshold: cfg.SizeThreshold},
		Config:    cfg,
		Telemetry: tel,
		Peers:     registry,
	}
	return &Server{
		cfg:   cfg,
		store: st,
		env:   env,
		sched: sched,
		tel:   tel,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Env exposes the handler environment (tests drive handlers directly
// through it).
func (s *Server) Env() *handler.Env { return s.env }

// ListenAndServe opens the configured listeners and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.sched.Run(ctx); err != nil {
		return err
	}
	if err := s.cfg.Watch(); err != nil {
		obs.Errorf("server: config watch: %v\n", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	sockPath := s.cfg.UnixSocket()
	_ = os.Remove(sockPath)
	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", sockPath, err)
	}
	s.addListener(unixLn)
	g.Go(func() error { return s.acceptLoop(ctx, unixLn) })
	obs.Errorf("pimd: listening on %s\n", sockPath)

	if addr := s.cfg.TCPAddress(); addr != "" {
		tcpLn, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", addr, err)
		}
		s.addListener(tcpLn)
		g.Go(func() error { return s.acceptLoop(ctx, tcpLn) })
		obs.Errorf("pimd: listening on %s\n", addr)
	}

	g.Go(func() error {
		<-ctx.Done()
		s.closeListeners()
		return nil
	})
	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) addListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	s.closing = true
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(ctx, conn)
	}
}

// Shutdown stops the scheduler, flushes telemetry, and closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	s.closeListeners()
	s.sched.Shutdown()
	s.cfg.Close()
	if err := s.tel.Shutdown(ctx); err != nil {
		obs.Errorf("server: telemetry shutdown: %v\n", err)
	}
	if err := s.store.Close(); err != nil {
		obs.Errorf("server: store close: %v\n", err)
	}
}
