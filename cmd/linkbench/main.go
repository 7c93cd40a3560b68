// Command linkbench runs one wireless-link measurement node: it joins
// the segment, keeps the peer table fresh, exposes the diagnostics API,
// and (as coordinator) drives the full scenario suite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meshcommons/linkbench/internal/api"
	"github.com/meshcommons/linkbench/internal/config"
	"github.com/meshcommons/linkbench/internal/engine"
	"github.com/meshcommons/linkbench/internal/gateway"
	"github.com/meshcommons/linkbench/internal/link"
	"github.com/meshcommons/linkbench/internal/store"
	"github.com/meshcommons/linkbench/internal/transport"
	"github.com/meshcommons/linkbench/internal/wire"
)

func main() {
	configPath := flag.String("config", "linkbench.yaml", "path to YAML configuration")
	roleFlag := flag.String("role", "", "override test.role (coordinator|peer|observer)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *roleFlag != "" {
		cfg.Test.Role = *roleFlag
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("linkbench exited", zap.Error(err))
	}
}

// loadConfig reads the file at path; a missing file yields defaults so a
// bare binary still comes up on a LAN.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Config{}
		config.ApplyDefaults(&cfg)
		if cfg.Node.Name == "" {
			host, herr := os.Hostname()
			if herr != nil {
				host = "linkbench"
			}
			cfg.Node.Name = host
		}
		return cfg, nil
	}
	return cfg, err
}

// buildLogger wires zap to a rotating file sink when one is configured,
// or a console encoder on stdout otherwise.
func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.Set(lc.Level); err != nil {
			return nil, err
		}
	}

	if lc.File == "" {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.OutputPaths = []string{"stdout"}
		return zc.Build()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		Compress:   true,
	})
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core), nil
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	addr, err := nodeAddr(cfg.Node.Address)
	if err != nil {
		return err
	}

	tr := transport.NewUDP(addr, cfg.Link.UDPPort, cfg.Node.Channel, log)
	mgr := link.NewManager(link.Config{
		SoftPeerLimit: cfg.Link.SoftPeerLimit,
		StaleTimeout:  time.Duration(cfg.Link.StaleTimeoutSec) * time.Second,
		QueueDepth:    cfg.Link.QueueDepth,
	}, tr, log)
	if err := mgr.Initialize(cfg.Node.Channel); err != nil {
		return err
	}
	defer mgr.Close()

	role, err := engine.ParseRole(cfg.Test.Role)
	if err != nil {
		return err
	}
	eng := engine.New(engine.Config{
		Role:              role,
		DefaultDuration:   time.Duration(cfg.Test.DurationMs) * time.Millisecond,
		DefaultIterations: cfg.Test.Iterations,
		PingWait:          time.Duration(cfg.Test.PingWaitMs) * time.Millisecond,
		EnableLogging:     cfg.Test.EnableLogging,
	}, mgr, log)

	bus := gateway.NewEventBus()
	mgr.OnPeerDiscovered(func(p link.Peer) {
		log.Info("peer discovered",
			zap.String("peer", p.Addr.String()), zap.Int8("rssi", p.RSSI))
		bus.PublishPeerDiscovered(p)
	})
	eng.SetProgressCallback(func(name string, done, total int) {
		bus.PublishProgress(map[string]interface{}{
			"name": name, "done": done, "total": total,
		})
	})
	eng.SetCompletedCallback(func(r engine.Result) {
		if _, err := db.SaveResult(store.NewRecord(cfg.Node.Name, r)); err != nil {
			log.Warn("result persist failed", zap.String("name", r.Name), zap.Error(err))
		}
		bus.PublishCompleted(r)
	})

	log.Info("linkbench starting",
		zap.String("node", cfg.Node.Name),
		zap.String("address", addr.String()),
		zap.Int("channel", cfg.Node.Channel),
		zap.String("role", role.String()),
	)

	// Continuous discovery keeps the peer table warm between suites.
	if err := mgr.StartDiscovery(0); err != nil {
		return err
	}

	go sweepLoop(ctx, cfg, mgr)
	go statusLoop(ctx, cfg, mgr, bus, log)

	if role == engine.RoleCoordinator {
		go func() {
			// Give the first discovery cycles time to settle.
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			if err := eng.RunFullSuite(); err != nil {
				log.Warn("full suite did not complete", zap.Error(err))
			}
		}()
	}

	return serveAPI(ctx, cfg, db, mgr, eng, bus, log)
}

func nodeAddr(s string) (wire.Addr, error) {
	if s == "" {
		return wire.RandomAddr(), nil
	}
	return wire.ParseAddr(s)
}

// sweepLoop evicts peers that stopped answering.
func sweepLoop(ctx context.Context, cfg config.Config, mgr *link.Manager) {
	interval := time.Duration(cfg.Link.SweepIntervalSec) * time.Second
	timeout := time.Duration(cfg.Link.StaleTimeoutSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.RemoveStalePeers(timeout)
		}
	}
}

// statusLoop emits a periodic one-line health summary and mirrors it
// onto the event bus.
func statusLoop(ctx context.Context, cfg config.Config, mgr *link.Manager, bus *gateway.EventBus, log *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := mgr.Statistics()
			log.Info("status",
				zap.Int("peers", mgr.PeerCount()),
				zap.Uint64("packets_sent", st.PacketsSent),
				zap.Uint64("packets_received", st.PacketsReceived),
				zap.Uint64("packets_lost", st.PacketsLost),
				zap.Uint64("checksum_errors", st.ChecksumErrors),
			)
			bus.PublishStatus(map[string]interface{}{
				"peers":      mgr.PeerCount(),
				"statistics": st,
			})
		}
	}
}

// serveAPI runs the HTTP surface until ctx is cancelled.
func serveAPI(
	ctx context.Context,
	cfg config.Config,
	db *store.DB,
	mgr *link.Manager,
	eng *engine.Engine,
	bus *gateway.EventBus,
	log *zap.Logger,
) error {
	router := api.NewRouter(db, mgr, eng, cfg.Node.Name, bus.SubscribeAny, log)
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.API.Listen, err)
	}
	log.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}
