package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/miretskiy/nvmesim/report"
	"github.com/miretskiy/nvmesim/simulator"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulation and stream progress",
	Long: `Run a simulation while serving:
  /ws            WebSocket stream of progress snapshots (send {"type":"stop"} to halt)
  /metrics       Prometheus metrics
  /api/metrics   JSON snapshot of every component
  /api/config    the running configuration
  /quitquitquit  stop the simulation and the server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Report.Listen = serveAddr
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address (overrides report.listen)")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// ClientMessage is sent by WebSocket clients.
type ClientMessage struct {
	Type string `json:"type"` // "stop"
}

// ServerMessage is sent to WebSocket clients.
type ServerMessage struct {
	Type     string               `json:"type"` // "status", "progress" or "metrics"
	ID       string               `json:"id,omitempty"`
	State    string               `json:"state,omitempty"`
	Config   *simulator.SimConfig `json:"config,omitempty"`
	Snapshot *report.Snapshot     `json:"snapshot,omitempty"`
	Metrics  *simulator.Metrics   `json:"metrics,omitempty"`
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v any) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

type server struct {
	sim      *simulator.Simulator
	cfg      simulator.SimConfig
	reporter *report.Reporter
	l        *logrus.Logger
	quit     context.CancelFunc
}

func (s *server) status() ServerMessage {
	return ServerMessage{Type: "status", ID: s.sim.ID().String(), State: s.sim.State().String(), Config: &s.cfg}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	sc := &safeConn{Conn: conn}
	l := s.l.WithField("remote", r.RemoteAddr)
	l.Info("client connected")

	if err := sc.WriteJSON(s.status()); err != nil {
		l.WithError(err).Warn("sending status")
		return
	}

	snapshots, unsubscribe := s.reporter.Subscribe()
	defer unsubscribe()
	go func() {
		for snap := range snapshots {
			if err := sc.WriteJSON(ServerMessage{Type: "progress", Snapshot: &snap}); err != nil {
				l.WithError(err).Debug("sending progress")
				return
			}
		}
	}()

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.WithError(err).Warn("reading message")
			}
			break
		}
		l.WithField("type", msg.Type).Debug("received command")
		switch msg.Type {
		case "stop":
			s.sim.Stop()
			_ = sc.WriteJSON(s.status())
		case "metrics":
			_ = sc.WriteJSON(ServerMessage{Type: "metrics", Metrics: s.sim.Metrics()})
		default:
			l.WithField("type", msg.Type).Warn("unknown command")
		}
	}
	l.Info("client disconnected")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) routes(collector *report.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.sim.Metrics())
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.cfg)
	})
	mux.HandleFunc("/quitquitquit", func(w http.ResponseWriter, r *http.Request) {
		s.l.Info("shutdown requested via /quitquitquit")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Server shutting down...")
		s.quit()
	})
	return mux
}

func serve(ctx context.Context, cfg simulator.SimConfig) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	sim, err := simulator.NewSimulator(cfg, l)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	ctx, quit := context.WithCancel(ctx)
	defer quit()

	collector := report.NewCollector(sim.ID().String())
	interval := cfg.Report.Interval
	if interval <= 0 {
		interval = time.Second
	}
	reporter := report.NewReporter(sim, interval, l)
	reporter.SetCollector(collector)

	s := &server{sim: sim, cfg: cfg, reporter: reporter, l: l, quit: quit}
	httpServer := &http.Server{Addr: cfg.Report.Listen, Handler: s.routes(collector)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sim.Run(gctx, 0)
		if errors.Is(err, simulator.ErrFinished) {
			l.WithField("id", sim.ID()).Info("simulation finished; serving results until interrupted")
			sim.PrintStats()
			return nil
		}
		return err
	})
	g.Go(func() error {
		return reporter.Run(gctx)
	})
	g.Go(func() error {
		l.WithField("addr", cfg.Report.Listen).Info("server starting")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
