package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"covenant.church/internal/audit"
	"covenant.church/internal/ids"
	"covenant.church/internal/obs"
)

const (
	defaultBatchSize   = 200
	defaultConcurrency = 4
	defaultMaxFailures = 100
)

// Scope selects what a repair run covers.
type Scope struct {
	All        bool   `json:"all"`
	IdentityID string `json:"identity_id,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// ParseScope accepts "all" or "id" with an identity id.
func ParseScope(kind, identityID string, dryRun bool) (Scope, error) {
	identityID = strings.TrimSpace(identityID)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "all":
		if identityID != "" {
			return Scope{}, fmt.Errorf("%w: identity_id is only valid with scope=id", ErrInvalidInput)
		}
		return Scope{All: true, DryRun: dryRun}, nil
	case "id":
		if identityID == "" {
			return Scope{}, fmt.Errorf("%w: scope=id requires identity_id", ErrInvalidInput)
		}
		return Scope{IdentityID: identityID, DryRun: dryRun}, nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, kind)
	}
}

// RepairFailure is one identity the run could not bring into agreement.
type RepairFailure struct {
	IdentityID string         `json:"identity_id"`
	Stage      string         `json:"stage"`
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

// RepairReport summarizes a repair or audit run.
type RepairReport struct {
	RunID                string          `json:"run_id"`
	Scope                Scope           `json:"scope"`
	DryRun               bool            `json:"dry_run"`
	StartedAt            time.Time       `json:"started_at"`
	FinishedAt           time.Time       `json:"finished_at"`
	Scanned              int             `json:"scanned"`
	ProfilesCreated      int             `json:"profiles_created"`
	ProfilesCorrected    int             `json:"profiles_corrected"`
	MembershipsCreated   int             `json:"memberships_created"`
	MembershipsAdopted   int             `json:"memberships_adopted"`
	MembershipsCorrected int             `json:"memberships_corrected"`
	Unchanged            int             `json:"unchanged"`
	Conflicts            int             `json:"conflicts"`
	Failed               int             `json:"failed"`
	Roles                map[Role]int    `json:"roles"`
	Failures             []RepairFailure `json:"failures,omitempty"`
	FailuresTruncated    bool            `json:"failures_truncated,omitempty"`
}

// HasFailures reports whether any identity failed.
func (r RepairReport) HasFailures() bool { return r.Failed > 0 || r.Conflicts > 0 }

// RunnerConfig tunes a Runner. Zero values select defaults.
type RunnerConfig struct {
	BatchSize   int
	Concurrency int
	// RatePerSecond paces identities across workers; zero disables pacing.
	RatePerSecond float64
	// IdentityTimeout bounds the store calls made for one identity.
	IdentityTimeout time.Duration
	MaxFailures     int
}

// Runner scans credentials and reconciles and resolves each one.
type Runner struct {
	creds      CredentialReader
	reconciler *Reconciler
	resolver   *Resolver
	cfg        RunnerConfig
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewRunner constructs a Runner.
func NewRunner(creds CredentialReader, rec *Reconciler, res *Resolver, cfg RunnerConfig) (*Runner, error) {
	if creds == nil || rec == nil || res == nil {
		return nil, errors.New("credential reader, reconciler and resolver are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	r := &Runner{
		creds:      creds,
		reconciler: rec,
		resolver:   res,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r, nil
}

// tally accumulates per-identity results under a mutex.
type tally struct {
	mu     sync.Mutex
	report *RepairReport
	max    int
}

func (t *tally) result(res ReconcileResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.report
	rep.Scanned++
	for _, o := range res.Outcomes {
		switch o {
		case OutcomeProfileCreated:
			rep.ProfilesCreated++
		case OutcomeProfileCorrected:
			rep.ProfilesCorrected++
		case OutcomeMembershipCreated:
			rep.MembershipsCreated++
		case OutcomeMembershipAdopted:
			rep.MembershipsAdopted++
		case OutcomeMembershipCorrected:
			rep.MembershipsCorrected++
		case OutcomeNoChange:
			rep.Unchanged++
		}
	}
}

func (t *tally) role(role Role) {
	t.mu.Lock()
	t.report.Roles[role]++
	t.mu.Unlock()
}

func (t *tally) failure(identityID, stage string, err error, scanned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.report
	if scanned {
		rep.Scanned++
	}
	kind := Kind(err)
	if kind == KindReconciliationConflict {
		rep.Conflicts++
	} else {
		rep.Failed++
	}
	if len(rep.Failures) >= t.max {
		rep.FailuresTruncated = true
		return
	}
	f := RepairFailure{IdentityID: identityID, Stage: stage, Kind: kind, Message: err.Error()}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		f.Details = conflict.Details()
	}
	rep.Failures = append(rep.Failures, f)
}

// RunRepair reconciles then resolves every identity in scope. Per-identity
// failures are recorded and the run continues; only a failure to list
// credentials ends the run early, returning the partial report.
func (r *Runner) RunRepair(ctx context.Context, scope Scope) (RepairReport, error) {
	if !scope.All && strings.TrimSpace(scope.IdentityID) == "" {
		return RepairReport{}, fmt.Errorf("%w: scope requires all or an identity id", ErrInvalidInput)
	}
	started := r.now()
	report := RepairReport{
		RunID:     ids.NewOpaque(),
		Scope:     scope,
		DryRun:    scope.DryRun,
		StartedAt: started,
		Roles:     make(map[Role]int),
	}
	t := &tally{report: &report, max: r.cfg.MaxFailures}
	log := obs.Logger().With().Str("run_id", report.RunID).Bool("dry_run", scope.DryRun).Logger()
	log.Info().Bool("all", scope.All).Str("identity_id", scope.IdentityID).Msg("repair run started")

	var runErr error
	if scope.All {
		runErr = r.scanAll(ctx, scope.DryRun, t)
	} else {
		runErr = r.scanOne(ctx, strings.TrimSpace(scope.IdentityID), scope.DryRun, t)
	}

	report.FinishedAt = r.now()
	status := "ok"
	switch {
	case runErr != nil:
		status = "error"
	case report.HasFailures():
		status = "partial"
	}
	obs.ObserveRepair(status, report.Scanned, report.FinishedAt.Sub(started))
	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", status).Int("scanned", report.Scanned).Int("conflicts", report.Conflicts).
		Int("failed", report.Failed).Int("adopted", report.MembershipsAdopted).
		Int("created", report.MembershipsCreated+report.ProfilesCreated).
		Int("corrected", report.ProfilesCorrected+report.MembershipsCorrected).
		Msg("repair run finished")
	_ = audit.LogEvent(ctx, "identity.repair.finished", map[string]any{
		"run_id":    report.RunID,
		"status":    status,
		"scanned":   report.Scanned,
		"conflicts": report.Conflicts,
		"failed":    report.Failed,
		"dry_run":   scope.DryRun,
	})
	return report, runErr
}

func (r *Runner) scanOne(ctx context.Context, identityID string, dryRun bool, t *tally) error {
	cred, err := r.creds.GetCredential(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: identity %s", ErrNotFound, identityID)
		}
		return storeErr(ctx, err)
	}
	r.process(ctx, cred, dryRun, t)
	return nil
}

func (r *Runner) scanAll(ctx context.Context, dryRun bool, t *tally) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	after := ""
	var listErr error
	for {
		if err := gctx.Err(); err != nil {
			listErr = err
			break
		}
		batch, err := r.creds.ListCredentials(gctx, after, r.cfg.BatchSize)
		if err != nil {
			listErr = fmt.Errorf("list credentials after %q: %w", after, storeErr(gctx, err))
			break
		}
		for _, cred := range batch {
			cred := cred
			g.Go(func() error {
				r.process(gctx, cred, dryRun, t)
				return nil
			})
		}
		if len(batch) < r.cfg.BatchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}
	_ = g.Wait()
	return listErr
}

func (r *Runner) process(ctx context.Context, cred Credential, dryRun bool, t *tally) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			t.failure(cred.ID, "pace", err, true)
			return
		}
	}
	if r.cfg.IdentityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.IdentityTimeout)
		defer cancel()
	}

	var (
		res ReconcileResult
		err error
	)
	if dryRun {
		res, err = r.reconciler.Plan(ctx, cred)
	} else {
		res, err = r.reconciler.Reconcile(ctx, cred)
	}
	if err != nil {
		t.failure(cred.ID, "reconcile", err, true)
		return
	}
	t.result(res)

	role, err := r.resolver.ResolveRole(ctx, cred.ID)
	if err != nil {
		t.failure(cred.ID, "resolve", err, false)
		return
	}
	t.role(role.Role)
}
