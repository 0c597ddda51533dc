// Package bootstrap populates the local cache when a session starts.
//
// Run fans out one job per data domain. The jobs run concurrently, each
// storing its rows as soon as they arrive, and a failing job never cancels
// the others. Running again is safe: unchanged rows are not rewritten and
// rows with local changes are left to their push.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/remote"
	"github.com/steveyegge/crewsync/internal/types"
)

// ErrCancelled is the cause recorded for a domain stopped by Cancel.
var ErrCancelled = errors.New("bootstrap: cancelled")

// Domain is one independently fetched slice of data.
type Domain string

const (
	// DomainProjects fetches the user's memberships, their projects and
	// the full member lists of those projects.
	DomainProjects Domain = "projects"
	// DomainChats fetches chat rooms and the latest messages of each.
	DomainChats Domain = "chats"
	// DomainTasks fetches open tasks.
	DomainTasks Domain = "tasks"
	// DomainPending pushes local writes left from a previous session.
	DomainPending Domain = "pending"
)

// Domains returns every domain in report order.
func Domains() []Domain {
	return []Domain{DomainProjects, DomainChats, DomainTasks, DomainPending}
}

// Config holds orchestrator settings.
type Config struct {
	// UserID is the signed-in user.
	UserID string
	// MessagesPerRoom bounds the messages fetched per chat room.
	MessagesPerRoom int
	// Since, when set, skips messages created before it.
	Since time.Time
	// RoomConcurrency bounds parallel message fetches.
	RoomConcurrency int
	// Domains limits the run. Empty means all.
	Domains []Domain
	Logger  zerolog.Logger
	Clock   func() time.Time
}

// DefaultConfig returns default settings for userID.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:          userID,
		MessagesPerRoom: 50,
		RoomConcurrency: 4,
		Logger:          zerolog.Nop(),
		Clock:           time.Now,
	}
}

// Outcome is the result of one domain.
type Outcome struct {
	Domain   Domain
	Count    int
	Err      error
	Duration time.Duration
}

// Report lists the outcome of every domain of a run.
type Report struct {
	Outcomes []Outcome
	Duration time.Duration
}

// Outcome returns the outcome for d.
func (r Report) Outcome(d Domain) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Domain == d {
			return o, true
		}
	}
	return Outcome{}, false
}

// OK reports whether every domain succeeded.
func (r Report) OK() bool {
	return r.Err() == nil
}

// Err joins the domain failures.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Domain, o.Err))
		}
	}
	return errors.Join(errs...)
}

// Orchestrator runs initial syncs.
type Orchestrator struct {
	co     *coordinator.Coordinator
	remote remote.Store
	cfg    Config
	log    zerolog.Logger

	runMu  sync.Mutex
	runCtx context.Context
	ids    singleflight.Group

	mu      sync.Mutex
	cancels map[Domain]context.CancelCauseFunc
}

// New creates an orchestrator.
func New(co *coordinator.Coordinator, r remote.Store, cfg Config) (*Orchestrator, error) {
	if co == nil || r == nil {
		return nil, fmt.Errorf("coordinator and remote store are required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.MessagesPerRoom <= 0 {
		cfg.MessagesPerRoom = 50
	}
	if cfg.RoomConcurrency <= 0 {
		cfg.RoomConcurrency = 4
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = Domains()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Orchestrator{
		co:      co,
		remote:  r,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "bootstrap").Logger(),
		cancels: map[Domain]context.CancelCauseFunc{},
	}, nil
}

// Run executes every configured domain and waits for all of them. Runs
// are serialized.
func (o *Orchestrator) Run(ctx context.Context) Report {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	o.runCtx = ctx

	start := o.cfg.Clock()
	outcomes := make([]Outcome, len(o.cfg.Domains))

	var g errgroup.Group
	for i, d := range o.cfg.Domains {
		dctx, cancel := context.WithCancelCause(ctx)
		o.mu.Lock()
		o.cancels[d] = cancel
		o.mu.Unlock()

		g.Go(func() error {
			defer cancel(nil)
			began := o.cfg.Clock()
			n, err := o.runDomain(dctx, d)
			if err != nil && errors.Is(context.Cause(dctx), ErrCancelled) {
				err = fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			outcomes[i] = Outcome{Domain: d, Count: n, Err: err, Duration: o.cfg.Clock().Sub(began)}

			ev := o.log.Info()
			if err != nil {
				ev = o.log.Warn().Err(err)
			}
			ev.Str("domain", string(d)).Int("count", n).Dur("duration", outcomes[i].Duration).Msg("domain synced")
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	clear(o.cancels)
	o.mu.Unlock()

	return Report{Outcomes: outcomes, Duration: o.cfg.Clock().Sub(start)}
}

// Cancel stops the running job for d. It reports whether one was running.
func (o *Orchestrator) Cancel(d Domain) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[d]
	o.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

func (o *Orchestrator) runDomain(ctx context.Context, d Domain) (int, error) {
	switch d {
	case DomainProjects:
		return o.syncProjects(ctx)
	case DomainChats:
		return o.syncChats(ctx)
	case DomainTasks:
		return o.syncTasks(ctx)
	case DomainPending:
		res, err := o.co.Flush(ctx)
		return res.Pushed, err
	}
	return 0, fmt.Errorf("unknown domain %q", d)
}

// fetch selects rows and ingests them, returning the rows fetched.
func (o *Orchestrator) fetch(ctx context.Context, t types.EntityType, f filter.Filter) ([]json.RawMessage, error) {
	fetchedAt := o.cfg.Clock()
	raws, err := o.remote.Select(ctx, t, f)
	if err != nil {
		return nil, err
	}
	if _, err := o.co.Ingest(ctx, t, raws, fetchedAt); err != nil {
		return nil, err
	}
	return raws, nil
}
