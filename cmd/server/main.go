package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lan-quiz/internal/config"
	"github.com/DoyleJ11/lan-quiz/internal/engine"
	"github.com/DoyleJ11/lan-quiz/internal/host"
	"github.com/DoyleJ11/lan-quiz/internal/httpapi"
	"github.com/DoyleJ11/lan-quiz/internal/journal"
	"github.com/DoyleJ11/lan-quiz/internal/lobby"
	"github.com/DoyleJ11/lan-quiz/internal/metrics"
	"github.com/DoyleJ11/lan-quiz/internal/ws"
)

var version = "dev"

func main() {
	rootCmd := serveCmd()
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		envFile string
		flags   config.Config
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "quizhost",
		Short: "Host a LAN quiz session",
		Long: `Host a quiz session on the local network.

Participants find the session with a UDP discovery probe and join over
TCP (or WebSocket through the HTTP port). Settings come from QUIZ_*
environment variables or a .env file; flags win over both.

Examples:
  quizhost
  quizhost --session S1 --module algebra-1
  quizhost --http "" --advertise 192.168.1.20`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, flags)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, origins)
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", ".env", "Optional dotenv file")
	f.StringVar(&flags.SessionID, "session", "", "Session id (default QUIZ_SESSION_ID or random)")
	f.StringVar(&flags.ModuleID, "module", "", "Module id announced to participants")
	f.IntVarP(&flags.TCPPort, "port", "p", 0, "TCP port for participants")
	f.IntVar(&flags.DiscoveryPort, "discovery-port", 0, "UDP port for discovery probes")
	f.StringVar(&flags.HTTPAddr, "http", "", `HTTP listen address, "" disables`)
	f.StringVar(&flags.AdvertiseHost, "advertise", "", "Address put in announcements")
	f.StringVar(&flags.DatabaseURL, "database-url", "", "Postgres URL for the event journal")
	f.BoolVar(&flags.LogDev, "dev", false, "Human-friendly development logging")
	f.StringSliceVar(&origins, "ws-origin", nil, "Extra allowed WebSocket origins, e.g. localhost:*")

	return cmd
}

// applyFlags copies only the flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg *config.Config, fl config.Config) {
	set := cmd.Flags().Changed
	if set("session") {
		cfg.SessionID = fl.SessionID
	}
	if set("module") {
		cfg.ModuleID = fl.ModuleID
	}
	if set("port") {
		cfg.TCPPort = fl.TCPPort
	}
	if set("discovery-port") {
		cfg.DiscoveryPort = fl.DiscoveryPort
	}
	if set("http") {
		cfg.HTTPAddr = fl.HTTPAddr
	}
	if set("advertise") {
		cfg.AdvertiseHost = fl.AdvertiseHost
	}
	if set("database-url") {
		cfg.DatabaseURL = fl.DatabaseURL
	}
	if set("dev") {
		cfg.LogDev = fl.LogDev
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, origins []string) error {
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var rec lobby.Recorder
	if cfg.DatabaseURL != "" {
		j, err := journal.Open(ctx, cfg.DatabaseURL, logger.Named("journal"))
		if err != nil {
			logger.Warn("journal disabled", zap.Error(err))
		} else {
			defer func() { _ = j.Close() }()
			rec = j
		}
	}

	lb := lobby.NewLobby(ctx, engine.NewState(cfg.SessionID, cfg.ModuleID), lobby.Options{
		Logger:   logger.Named("lobby"),
		Recorder: rec,
	})
	h := host.New(host.Config{
		SessionID:     cfg.SessionID,
		ModuleID:      cfg.ModuleID,
		ListenAddr:    ":" + strconv.Itoa(cfg.TCPPort),
		DiscoveryAddr: ":" + strconv.Itoa(cfg.DiscoveryPort),
		AdvertiseHost: cfg.AdvertiseHost,
		Logger:        logger.Named("host"),
		Metrics:       m,
	}, lb)
	if err := h.Start(ctx); err != nil {
		lb.Close()
		return err
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: httpapi.SetupRoutes(httpapi.Deps{
				Host:     h,
				Sessions: lb,
				WS:       h,
				WSOpts:   ws.Options{SessionID: cfg.SessionID, OriginPatterns: origins},
				Gatherer: reg,
				Logger:   logger.Named("http"),
			}),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	info := h.Info()
	logger.Info("session ready",
		zap.String("session", info.SessionID),
		zap.String("module", info.ModuleID),
		zap.String("host", info.Host),
		zap.Int("port", info.Port),
		zap.Int("discovery_port", info.DiscoveryPort),
		zap.String("http", cfg.HTTPAddr),
		zap.String("version", version))

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		err := h.Stop()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		}
		lb.Close()
		return err
	})
	return g.Wait()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
