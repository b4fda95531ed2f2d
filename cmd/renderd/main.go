package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapmill/render"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := render.LoadConfig(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("loading config")
	}

	log := buildLogger(cfg)

	store, err := render.OpenImageStore(cfg.DataDir, cfg.Retention(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening image store")
	}
	store.StartSweep(cfg.SweepInterval())

	pool := render.NewPool(cfg.PoolSize, cfg.StartupTimeout(), log)
	if err := pool.Start(context.Background()); err != nil {
		// Pool startup is the only fatal path in the core.
		log.Fatal().Err(err).Msg("starting browser pool")
	}
	engine := render.NewEngine(pool)

	var auth render.AuthProvider
	if cfg.AuthEndpoint != "" {
		auth = render.NewHTTPAuthProvider(cfg.AuthEndpoint, cfg.AuthTimeout(), log)
	}

	server := render.NewServer(cfg, engine, store, auth, nil, log)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("render service listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	engine.Shutdown(shutdownCtx)
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing image store")
	}
	log.Info().Msg("shutdown complete")
}

func buildLogger(cfg render.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
