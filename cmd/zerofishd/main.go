package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	zerofish "github.com/RajanDhamala/go-zerofish"
	"github.com/RajanDhamala/go-zerofish/internal/httpapi"
)

func main() {
	var (
		addr        = flag.String("addr", envOr("ZEROFISH_ADDR", ":8080"), "HTTP listen address")
		fishPath    = flag.String("stockfish", envOr("ZEROFISH_STOCKFISH", ""), "primary engine binary")
		zeroPath    = flag.String("lc0", envOr("ZEROFISH_LC0", ""), "network-driven engine binary")
		weightsDir  = flag.String("weights-dir", envOr("ZEROFISH_WEIGHTS_DIR", "./weights"), "directory of network weight files")
		weightsURL  = flag.String("weights-url", envOr("ZEROFISH_WEIGHTS_URL", ""), "base URL to fetch network weights from instead of weights-dir")
		poolSize    = flag.Int("pool", envInt("ZEROFISH_POOL", 1), "number of engine workers")
		threads     = flag.Int("threads", envInt("ZEROFISH_THREADS", 1), "threads per engine")
		hashMB      = flag.Int("hash", envInt("ZEROFISH_HASH_MB", 0), "hash size per engine in MB")
		maxMultiPV  = flag.Int("max-multipv", envInt("ZEROFISH_MAX_MULTIPV", 0), "largest multipv a request may ask for")
		overcommit  = flag.Bool("overcommit", false, "allow more engine threads than CPUs")
		debug       = flag.Bool("debug", os.Getenv("ZEROFISH_DEBUG") != "", "log engine diagnostics")
		jsonLogs    = flag.Bool("json-logs", false, "log as JSON instead of console output")
		streamLines = flag.Bool("stream-lines", true, "serve raw engine output on /v1/lines")
	)
	flag.Parse()

	log := newLogger(*jsonLogs, *debug)

	var fetcher zerofish.Fetcher = zerofish.DirFetcher{Dir: *weightsDir}
	if *weightsURL != "" {
		fetcher = zerofish.HTTPFetcher{BaseURL: *weightsURL, Client: &http.Client{Timeout: 2 * time.Minute}}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hub *httpapi.LineHub
	cfg := zerofish.Config{
		BinaryPath:               *fishPath,
		ZeroBinaryPath:           *zeroPath,
		PoolSize:                 *poolSize,
		PerEngineThreads:         *threads,
		PerEngineHashMB:          *hashMB,
		MaxMultiPV:               *maxMultiPV,
		AllowUnsafeCPUOvercommit: *overcommit,
		Fetcher:                  fetcher,
		Logger:                   &log,
	}
	if *streamLines {
		hub = httpapi.NewLineHub()
		cfg.OnLine = hub.Observe
		go hub.Run(ctx.Done())
	}

	pool, err := zerofish.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("start engine pool")
	}
	defer func() {
		quitCtx, quitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer quitCancel()
		if err := pool.Quit(quitCtx); err != nil {
			log.Warn().Err(err).Msg("quit engine pool")
		}
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.NewRouter(log, pool, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = pool.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", *addr).Int("pool", pool.Size()).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server")
	}
}

func newLogger(jsonLogs, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if jsonLogs {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return value
}
