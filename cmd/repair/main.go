// Command repair runs one reconciliation and role audit pass over stored
// identities and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"covenant.church/internal/app"
	"covenant.church/internal/config"
	"covenant.church/internal/identity"
	"covenant.church/internal/obs"
)

const exitFailures = 2

func main() {
	var (
		scopeKind = flag.String("scope", "all", "all or id")
		id        = flag.String("id", "", "identity id when -scope=id")
		dryRun    = flag.Bool("dry-run", false, "report planned changes without writing")
	)
	flag.Parse()

	cfg, err := config.LoadEngine()
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.SetLogger(obs.NewLogger(cfg.AppEnv, os.Stderr))
	obs.SetLevel(cfg.LogLevel)
	log := obs.Logger()

	scope, err := identity.ParseScope(*scopeKind, *id, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid scope")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.NewEngine(ctx, cfg, app.Options{RequireDatabase: true})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	defer engine.Close()

	report, runErr := engine.Runner.RunRepair(ctx, scope)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Error().Err(err).Msg("write report")
	}

	if runErr != nil {
		log.Error().Err(runErr).Str("kind", identity.Kind(runErr)).Msg("repair run aborted")
		engine.Close()
		os.Exit(1)
	}
	if report.HasFailures() {
		engine.Close()
		os.Exit(exitFailures)
	}
}
