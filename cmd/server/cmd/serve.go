package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/obby/reload-hub/config"
	"github.com/obby/reload-hub/internal/events"
	"github.com/obby/reload-hub/internal/history"
	"github.com/obby/reload-hub/internal/hub"
	"github.com/obby/reload-hub/internal/patterns"
	"github.com/obby/reload-hub/internal/server"
	"github.com/obby/reload-hub/internal/service"
	"github.com/obby/reload-hub/internal/watcher"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	serveHTTPPort int
	serveGRPCPort int
	serveNoWatch  bool
	serveOnce     bool
	serveMatch    string
)

// serveCmd runs the hub.
var serveCmd = &cobra.Command{
	Use:   "serve [paths...]",
	Short: "Watch files and serve reload events",
	Long: `Start the reload hub.

Positional paths replace watcher.paths from the config file.

Examples:
  reload-hub serve
  reload-hub serve public src --match "**/*.{css,html}"
  reload-hub serve --no-watch --http-port 4000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveHTTPPort, "http-port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().IntVar(&serveGRPCPort, "grpc-port", 0, "gRPC port (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "disable the file watcher; batches arrive only through the API")
	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "reload the whole page once per batch")
	serveCmd.Flags().StringVar(&serveMatch, "match", "", "only batch files matching this glob")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config, args []string) error {
	if serveHTTPPort != 0 {
		cfg.Server.HTTPPort = serveHTTPPort
	}
	if serveGRPCPort != 0 {
		cfg.Server.GRPCPort = serveGRPCPort
	}
	if serveNoWatch {
		cfg.Watcher.Enabled = false
	}
	if cmd.Flags().Changed("once") {
		cfg.Stream.Once = serveOnce
	}
	if cmd.Flags().Changed("match") {
		cfg.Stream.Match = serveMatch
	}
	if len(args) > 0 {
		cfg.Watcher.Paths = args
	}
	return config.Validate(cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyServeFlags(cmd, cfg, args); err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	publishers := []events.Publisher{h}
	var historyReader server.HistoryReader
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.DSN, history.Options{
			Limit:   cfg.History.Limit,
			Workers: cfg.History.Workers,
		})
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer store.Close()
		publishers = append(publishers, store)
		historyReader = store
	}

	reloader, err := service.New(events.Tee(publishers...), cfg.Stream)
	if err != nil {
		return err
	}

	if cfg.Watcher.Enabled {
		fw, err := startWatcher(ctx, cfg.Watcher, reloader)
		if err != nil {
			return err
		}
		defer fw.Stop()
	}

	httpSrv := server.NewHTTPServer(hostPort(cfg.Server.Host, cfg.Server.HTTPPort), h, reloader, historyReader)
	grpcSrv := server.NewGRPCServer(hostPort(cfg.Server.Host, cfg.Server.GRPCPort), h, reloader)

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.Start() }()
	go func() { errCh <- grpcSrv.Start() }()

	log.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("grpc_port", cfg.Server.GRPCPort).
		Bool("watch", cfg.Watcher.Enabled).
		Bool("once", cfg.Stream.Once).
		Str("match", cfg.Stream.Match).
		Msg("reload-hub running")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("server failed")
		}
	}

	log.Info().Msg("shutting down")

	// Closing the hub ends every open SSE, WebSocket and gRPC stream
	stopHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("HTTP shutdown error")
	}
	grpcSrv.Stop(shutdownCtx)

	return serveErr
}

func startWatcher(ctx context.Context, cfg config.WatcherConfig, reloader *service.Reloader) (*watcher.FileWatcher, error) {
	matcher := patterns.NewMatcher()
	if err := matcher.SetWatchPatterns(cfg.WatchPatterns); err != nil {
		return nil, err
	}
	if err := matcher.SetIgnorePatterns(cfg.IgnorePatterns); err != nil {
		return nil, err
	}

	debounce := time.Duration(cfg.DebounceMs) * time.Millisecond
	fw, err := watcher.NewFileWatcher(debounce, matcher, reloader.HandleWatchBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.SkipUnchanged {
		fw.SetContentFilter(watcher.NewContentFilter())
	}
	for _, p := range cfg.Paths {
		if err := fw.AddPath(p); err != nil {
			_ = fw.Stop()
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}
	if err := fw.Start(ctx); err != nil {
		_ = fw.Stop()
		return nil, err
	}
	return fw, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
