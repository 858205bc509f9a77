package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/streammux/internal/channels"
	"github.com/jmylchreest/streammux/internal/config"
	"github.com/jmylchreest/streammux/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/streammux/internal/http"
	"github.com/jmylchreest/streammux/internal/http/handlers"
	"github.com/jmylchreest/streammux/internal/observability"
	"github.com/jmylchreest/streammux/internal/playlist"
	"github.com/jmylchreest/streammux/internal/relay"
	"github.com/jmylchreest/streammux/internal/scheduler"
	"github.com/jmylchreest/streammux/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streammux server",
	Long: `Start the streammux HTTP server.

The server provides:
- GET /stream/{channelId} for MPEG-TS clients
- GET /playlist.m3u listing every channel with stream URLs on this server
- Stream inspection and control under /api/v1/streams
- Health checks at /health, /livez and /readyz
- Prometheus metrics (default /metrics)
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
}

// streamSettings maps the streaming section onto the settings each new stream reads.
func streamSettings(sc config.StreamingConfig) relay.Settings {
	// proxy_type is validated on load, so a parse error cannot occur here.
	mode, _ := relay.ParseMode(sc.ProxyType)
	return relay.Settings{
		RingBufferSizeMB:      sc.RingBufferSizeMB,
		MaxConnectRetry:       sc.MaxConnectRetry,
		MaxConnectRetryTimeMs: sc.MaxConnectRetryTimeMs,
		ProxyMode:             mode,
		CleanURLsInLogs:       sc.CleanURLsInLogs,
		IdleGracePeriod:       sc.IdleGracePeriod,
	}
}

// serverConfig maps the server section, applying explicit --host and --port flags.
func serverConfig(cmd *cobra.Command, sc config.ServerConfig) internalhttp.ServerConfig {
	out := internalhttp.DefaultServerConfig()
	out.Host = sc.Host
	out.Port = sc.Port
	out.ReadTimeout = sc.ReadTimeout
	out.WriteTimeout = sc.WriteTimeout
	out.ShutdownTimeout = sc.ShutdownTimeout
	out.CORSOrigins = sc.CORSOrigins
	out.MaxConnections = sc.MaxConnections

	if cmd.Flags().Changed("host") {
		out.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		out.Port, _ = cmd.Flags().GetInt("port")
	}
	return out
}

// applyStats starts, reschedules or stops the reporter to match c.
func applyStats(r *scheduler.Reporter, c config.StatsConfig) error {
	if !c.Enabled {
		r.Stop()
		return nil
	}
	if err := r.Start(c.Schedule); err == nil {
		return nil
	}
	return r.Reschedule(c.Schedule)
}

// playlistFetcher builds the fetcher for provider playlists.
func playlistFetcher(pc config.PlaylistsConfig, userAgent string, logger *slog.Logger) *playlist.Fetcher {
	fc := playlist.DefaultFetcherConfig()
	if pc.Timeout > 0 {
		fc.Timeout = pc.Timeout
	}
	fc.MaxSize = pc.MaxSize.Bytes()
	fc.UserAgent = userAgent
	fc.Logger = logger
	return playlist.NewFetcher(fc)
}

func runServe(cmd *cobra.Command, args []string) error {
	watcher, err := config.NewWatcher(cfgFile, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := watcher.Current()

	var logLevel slog.LevelVar
	logger := newLogger(cfg.Logging, &logLevel)
	slog.SetDefault(logger)
	if file := watcher.ConfigFile(); file != "" {
		logger.Info("using config file", slog.String("file", file))
	}

	cleanURLs := func() bool { return watcher.Current().Streaming.CleanURLsInLogs }
	metrics := observability.NewMetrics()

	breakers := relay.NewCircuitBreakerRegistry(relay.CircuitBreakerConfig{
		FailureThreshold: cfg.Streaming.CircuitBreakerThreshold,
		Timeout:          cfg.Streaming.CircuitBreakerTimeout,
	})
	userAgent := cfg.Streaming.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	httpSource := relay.NewHTTPSource(relay.HTTPSourceConfig{
		ConnectTimeout:   cfg.Streaming.ConnectTimeout,
		FirstByteTimeout: cfg.Streaming.FirstByteTimeout,
		UserAgent:        userAgent,
		Breakers:         breakers,
	})
	spawner := relay.NewFFmpegSpawner(relay.FFmpegSpawnerConfig{
		BinaryPath: cfg.FFmpeg.BinaryPath,
		Args:       cfg.FFmpeg.Args,
		KillGrace:  cfg.FFmpeg.KillGrace,
		CleanURLs:  cleanURLs,
		Logger:     observability.WithComponent(logger, "transcoder"),
	})
	acquirer := relay.NewModeAcquirer(httpSource, relay.NewTranscoderSource(spawner))

	manager := relay.NewManager(acquirer,
		relay.SettingsFunc(func() relay.Settings { return streamSettings(watcher.Current().Streaming) }),
		relay.WithLogger(observability.WithComponent(logger, "relay")),
		relay.WithRecorder(metrics),
	)
	defer manager.Close()

	if mode, _ := relay.ParseMode(cfg.Streaming.ProxyType); mode == relay.ModeTranscoder {
		logTranscoder(cmd.Context(), logger, cfg.FFmpeg.BinaryPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	playlistLogger := observability.WithComponent(logger, "playlist")
	loader := channels.NewLoader(playlistFetcher(cfg.Playlists, userAgent, playlistLogger), playlistLogger)
	catalogue := channels.New(loader.Resolve(ctx, cfg))
	logger.Info("channels loaded",
		slog.Int("channels", catalogue.Len()),
		slog.Int("groups", len(cfg.Groups)),
		slog.Int("playlists", len(cfg.Playlists.Sources)))

	refresh := scheduler.NewJob("playlist refresh", func() {
		catalogue.Replace(loader.Resolve(ctx, watcher.Current()))
		logger.Info("playlists refreshed", slog.Int("channels", catalogue.Len()))
	}).WithLogger(playlistLogger)
	if err := refresh.Apply(cfg.Playlists.Refresh); err != nil {
		return err
	}
	defer refresh.Stop()

	reporter := scheduler.NewReporter(manager, metrics).
		WithLogger(observability.WithComponent(logger, "stats")).
		WithURLCleaning(cleanURLs)
	if err := applyStats(reporter, cfg.Stats); err != nil {
		return err
	}
	defer reporter.Stop()

	levelFlagSet := rootCmd.PersistentFlags().Changed("log-level")
	watcher.OnChange(func(c *config.Config) {
		if !levelFlagSet {
			observability.ApplyLevel(&logLevel, loggingConfig(c.Logging).Level)
		}
		observability.SetRequestLogging(c.Logging.RequestLogging)
		catalogue.Replace(loader.Resolve(ctx, c))
		if err := applyStats(reporter, c.Stats); err != nil {
			logger.Warn("stats schedule not applied", slog.String("error", err.Error()))
		}
		if err := refresh.Apply(c.Playlists.Refresh); err != nil {
			logger.Warn("playlist refresh schedule not applied", slog.String("error", err.Error()))
		}
		logger.Info("channels reloaded", slog.Int("channels", catalogue.Len()))
	})
	watcher.Watch()

	server := internalhttp.NewServer(serverConfig(cmd, cfg.Server), observability.WithComponent(logger, "http"), version.Version)

	health := handlers.NewHealthHandler(version.Version).WithStreams(manager)
	health.Register(server.API())

	handlers.NewStreamsHandler(manager).
		WithBreakers(breakers).
		Register(server.API())

	handlers.NewStreamHandler(manager, catalogue).
		WithLogger(observability.WithComponent(logger, "stream")).
		WithRecorder(metrics).
		WithBufferSize(func() int { return watcher.Current().Streaming.ClientBufferSize.Int() }).
		WithURLCleaning(cleanURLs).
		RegisterChiRoutes(server.Router())

	handlers.NewPlaylistHandler(catalogue).
		WithLogger(observability.WithComponent(logger, "playlist")).
		RegisterChiRoutes(server.Router())

	if cfg.Metrics.Enabled {
		server.Router().Handle(cfg.Metrics.Path, metrics.Handler(reporter.RefreshGauges))
	}

	// Stream responses stay open until their stream ends, so streams are
	// stopped as soon as shutdown begins.
	server.OnShutdown(func() {
		health.SetDraining()
		manager.Close()
	})

	logger.Info("starting streammux",
		slog.String("address", server.Address()),
		slog.String("proxy_type", cfg.Streaming.ProxyType),
		slog.String("version", version.Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("received shutdown signal")
		}
		reporter.Stop()
		refresh.Stop()
		return nil
	})

	return g.Wait()
}

// logTranscoder reports the transcoder binary that streams will use.
func logTranscoder(ctx context.Context, logger *slog.Logger, configured string) {
	info, err := ffmpeg.NewDetector(configured).Detect(ctx)
	if err != nil {
		logger.Warn("transcoder binary not usable, transcoded streams will fail",
			slog.String("error", err.Error()))
		return
	}
	logger.Info("transcoder detected",
		slog.String("path", info.Path),
		slog.String("version", info.Full))
}
