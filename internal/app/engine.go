// Package app assembles the identity engine from configuration. It is shared
// by the long-running API and the one-shot repair command.
package app

import (
	"context"
	"errors"
	"fmt"

	"covenant.church/internal/config"
	"covenant.church/internal/identity"
	"covenant.church/internal/obs"
	"covenant.church/internal/rolecache"
	"covenant.church/internal/store/pg"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Engine holds the wired engine components.
type Engine struct {
	Config     *config.Config
	Store      identity.Store
	Cache      identity.RoleCache
	Allowlist  *identity.Allowlist
	Reconciler *identity.Reconciler
	Resolver   *identity.Resolver
	Runner     *identity.Runner

	pg      *pg.Store
	redis   *rolecache.RedisCache
	closers []func() error
}

// Options adjust how the engine is assembled.
type Options struct {
	// RequireDatabase rejects the in-memory store fallback.
	RequireDatabase bool
}

// NewEngine connects the store and cache and builds the engine on top.
func NewEngine(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	e := &Engine{Config: cfg}
	log := obs.Logger()

	switch {
	case cfg.PGDSN != "":
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		e.pg = st
		e.Store = st
		e.closers = append(e.closers, st.Close)
	case opts.RequireDatabase:
		return nil, errors.New("IDENTITY_PG_DSN is required")
	default:
		log.Warn().Msg("IDENTITY_PG_DSN not set; using in-memory store")
		e.Store = identity.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		rc, err := rolecache.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("connect role cache: %w", err)
		}
		e.redis = rc
		e.Cache = rc
		e.closers = append(e.closers, rc.Close)
	} else {
		e.Cache = rolecache.NewMemoryCache()
	}

	e.Allowlist = identity.NewAllowlist(cfg.AdminEmails...)
	if cfg.AdminAllowlistFile != "" {
		inline := append([]string(nil), cfg.AdminEmails...)
		fromFile := identity.FileLoader(cfg.AdminAllowlistFile)
		e.Allowlist.SetLoader(func(ctx context.Context) ([]string, error) {
			listed, err := fromFile(ctx)
			if err != nil {
				return nil, err
			}
			return append(inline, listed...), nil
		})
		if _, err := e.Allowlist.Reload(ctx); err != nil {
			log.Warn().Err(err).Str("path", cfg.AdminAllowlistFile).Msg("allowlist file not loaded; using inline entries")
		}
	}

	var err error
	if e.Reconciler, err = identity.NewReconciler(e.Store); err != nil {
		e.Close()
		return nil, err
	}
	e.Resolver, err = identity.NewResolver(e.Store, e.Allowlist,
		identity.WithRoleCache(e.Cache, cfg.RoleCacheTTL),
		identity.WithReconcileWaiter(e.Reconciler, cfg.ReconcileWait),
	)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Runner, err = identity.NewRunner(e.Store, e.Reconciler, e.Resolver, identity.RunnerConfig{
		BatchSize:       cfg.RepairBatchSize,
		Concurrency:     cfg.RepairConcurrency,
		RatePerSecond:   cfg.RepairRate,
		IdentityTimeout: cfg.RepairTimeout,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// RetryPolicy derives the retry policy for transient store failures.
func (e *Engine) RetryPolicy() identity.RetryPolicy {
	p := identity.DefaultRetryPolicy
	if e.Config.RetryAttempts > 0 {
		p.MaxAttempts = e.Config.RetryAttempts
	}
	if e.Config.RetryInitial > 0 {
		p.InitialInterval = e.Config.RetryInitial
	}
	return p
}

// Pingers lists the external dependencies readiness depends on.
func (e *Engine) Pingers() []Pinger {
	var out []Pinger
	if e.pg != nil {
		out = append(out, e.pg)
	}
	if e.redis != nil {
		out = append(out, e.redis)
	}
	return out
}

// Close releases connections in reverse order of acquisition.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			obs.Logger().Warn().Err(err).Msg("close dependency")
		}
	}
	e.closers = nil
}
