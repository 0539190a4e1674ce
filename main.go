// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akhenakh/deepzoom/render"
	"github.com/akhenakh/deepzoom/source"
	"github.com/akhenakh/deepzoom/tiles"
)

const (
	appName     = "deepzoomd"
	serviceName = "deepzoom.Canvas"
)

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpAPIServer     *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile           string        `env:"LOG_FILE"`
	HTTPPort          int           `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort        int           `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int           `env:"METRICS_PORT" envDefault:"8888"`
	TileSource        string        `env:"TILE_SOURCE" envDefault:"labeled:"`
	TileFallback      string        `env:"TILE_FALLBACK"`
	LevelCount        int           `env:"LEVEL_COUNT" envDefault:"8"`
	FullWidth         int           `env:"FULL_WIDTH" envDefault:"32768"`
	FullHeight        int           `env:"FULL_HEIGHT" envDefault:"32768"`
	TileSize          int           `env:"TILE_SIZE" envDefault:"256"`
	WorkerCount       int           `env:"WORKER_COUNT" envDefault:"16"`
	MagnifyingFactor  int           `env:"MAGNIFYING_FACTOR" envDefault:"0"`
	CacheMaxSize      int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	IdleDelay         time.Duration `env:"IDLE_DELAY" envDefault:"300ms"`
	RenderInterval    time.Duration `env:"RENDER_INTERVAL" envDefault:"34ms"`
	AlphaTick         float64       `env:"ALPHA_TICK" envDefault:"0.07"`
}

func main() {
	// a missing .env file is fine, the environment is used as is
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	provider, closeProvider, err := setupProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize tile source, shutting down", "error", err)
		os.Exit(1)
	}
	defer closeProvider()

	canvas, err := tiles.NewCanvas(tiles.Config{
		LevelCount:       cfg.LevelCount,
		FullWidth:        cfg.FullWidth,
		FullHeight:       cfg.FullHeight,
		TileSize:         cfg.TileSize,
		WorkerCount:      cfg.WorkerCount,
		MagnifyingFactor: cfg.MagnifyingFactor,
	}, provider,
		tiles.WithLogger(logger),
		tiles.WithMetrics(tiles.NewMetrics(prometheus.DefaultRegisterer)),
		tiles.WithIdleDelay(cfg.IdleDelay),
		tiles.WithRenderInterval(cfg.RenderInterval),
		tiles.WithTileOptions(fadeOptions{alphaTick: cfg.AlphaTick}),
	)
	if err != nil {
		logger.Error("invalid canvas configuration, shutting down", "error", err)
		os.Exit(1)
	}
	surface := render.NewSurface()

	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// Tile canvas
	g.Go(func() error {
		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		defer healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
		return canvas.Run(ctx)
	})

	// HTTP API Server
	g.Go(func() error {
		return startHTTPAPIServer(ctx, logger, cfg, canvas, surface)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.StreamServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startHTTPAPIServer(ctx context.Context, logger *slog.Logger, cfg Config, canvas *tiles.Canvas, surface *render.Surface) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	api := &apiServer{canvas: canvas, surface: surface, logger: logger}

	httpAPIServer = &http.Server{
		Addr:        addr,
		Handler:     api.routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	logger.Info("HTTP API server listening", "address", addr)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

// setupProvider opens the tile source, an optional fallback source, and puts an
// in-memory cache in front of them.
func setupProvider(ctx context.Context, cfg Config, logger *slog.Logger) (tiles.Provider, func(), error) {
	logger.Info("opening tile source", "source", cfg.TileSource)
	primary, err := source.Open(ctx, cfg.TileSource, cfg.TileSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open tile source: %w", err)
	}
	closers := []io.Closer{primary}
	var provider tiles.Provider = primary

	if cfg.TileFallback != "" {
		logger.Info("opening fallback tile source", "source", cfg.TileFallback)
		fallback, err := source.Open(ctx, cfg.TileFallback, cfg.TileSize)
		if err != nil {
			primary.Close()
			return nil, nil, fmt.Errorf("failed to open fallback tile source: %w", err)
		}
		closers = append(closers, fallback)
		provider = source.NewFallback(primary, fallback)
	}

	logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
	cached := source.NewCached(provider, cfg.CacheMaxSize, cfg.CacheItemsToPrune)
	closers = append(closers, cached)

	return cached, func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close tile source", "error", err)
			}
		}
	}, nil
}

// fadeOptions draws tiles unfiltered, fading them in at alphaTick per frame.
type fadeOptions struct {
	alphaTick float64
}

func (fadeOptions) ColorFilter(int, int, int) tiles.ColorFilter { return nil }

func (o fadeOptions) AlphaTick() float64 { return o.alphaTick }

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
