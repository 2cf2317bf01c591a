package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"covenant.church/internal/app"
	"covenant.church/internal/auth"
	"covenant.church/internal/config"
	"covenant.church/internal/events"
	"covenant.church/internal/httpapi"
	"covenant.church/internal/obs"
)

func main() {
	cfg := config.MustLoad()

	obs.SetLogger(obs.NewLogger(cfg.AppEnv, os.Stdout))
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.NewEngine(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	defer engine.Close()

	var tokens *auth.Tokens
	if !cfg.AuthDisabled {
		tokens, err = auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
		if err != nil {
			log.Fatal().Err(err).Msg("configure tokens")
		}
	} else {
		log.Warn().Str("env", cfg.AppEnv).Msg("authentication disabled; trusting X-Identity-ID")
	}

	var probe httpapi.ReadyProbe
	for _, p := range engine.Pingers() {
		probe.Deps = append(probe.Deps, p)
	}

	api, err := httpapi.New(httpapi.Deps{
		Credentials: engine.Store,
		Reconciler:  engine.Reconciler,
		Resolver:    engine.Resolver,
		Runner:      engine.Runner,
		Allowlist:   engine.Allowlist,
		Tokens:      tokens,
		Ready:       probe,
	}, httpapi.Options{
		Version:            cfg.Version,
		AuthDisabled:       cfg.AuthDisabled,
		InteractiveTimeout: cfg.InteractiveTimeout,
		ReconcileTimeout:   cfg.StoreTimeout,
		Retry:              engine.RetryPolicy(),
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RatePerSecond:      cfg.RateRPS,
		RateBurst:          cfg.RateBurst,
		CORSOrigins:        cfg.CORSOrigins,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build http api")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", cfg.Version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			health.Watch(gctx, 10*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		engine.Allowlist.Watch(gctx, cfg.AllowlistRefresh)
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(gctx, engine)
		return nil
	})

	var consumer *events.Consumer
	var publisher *events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaConflictTopic)
		handler := events.NewHandler(engine.Store, engine.Reconciler, engine.Resolver, publisher, engine.RetryPolicy())
		consumer = events.NewConsumer(events.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup), handler, cfg.StoreTimeout)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		log.Info().Msg("IDENTITY_KAFKA_BROKERS not set; lifecycle events disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		health.Shutdown()
		err := srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	if consumer != nil {
		_ = consumer.Close()
	}
	if publisher != nil {
		_ = publisher.Close()
	}
	log.Info().Msg("stopped")
}

// reloadOnHangup re-reads the administrator allowlist on SIGHUP.
func reloadOnHangup(ctx context.Context, engine *app.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if n, err := engine.Allowlist.Reload(ctx); err != nil {
				obs.Logger().Warn().Err(err).Msg("allowlist reload on SIGHUP failed")
			} else {
				obs.Logger().Info().Int("entries", n).Msg("allowlist reloaded on SIGHUP")
			}
		}
	}
}
