// Package access enforces role and membership rules in front of every
// mutating operation.
//
// Each operation reads the acting member and the target entities from the
// cache, checks them against internal/rbac and either returns a denial or
// hands the mutation to the coordinator. Denials are values: the error
// return is reserved for infrastructure failures. The enforcer never
// writes to the cache itself.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/crewsync/internal/coordinator"
	"github.com/steveyegge/crewsync/internal/rbac"
	"github.com/steveyegge/crewsync/internal/types"
)

// Session is the part of the auth provider the enforcer needs.
type Session interface {
	CurrentUserID() string
	SessionValid() bool
}

// Config holds enforcer settings.
type Config struct {
	// AdminCountTTL is how long a project's member list is trusted before
	// the admin count is refreshed from the remote. Default 30s.
	AdminCountTTL time.Duration
	Logger        zerolog.Logger
	Clock         func() time.Time
	// NewID generates ids for created entities. Default uuid.NewString.
	NewID func() string
}

// Enforcer is safe for concurrent use.
type Enforcer struct {
	co      *coordinator.Coordinator
	session Session
	cfg     Config
	log     zerolog.Logger

	refresh singleflight.Group
	mu      sync.Mutex
	checked map[string]time.Time
}

// New creates an enforcer.
func New(co *coordinator.Coordinator, session Session, cfg Config) (*Enforcer, error) {
	if co == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.AdminCountTTL <= 0 {
		cfg.AdminCountTTL = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Enforcer{
		co:      co,
		session: session,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "access").Logger(),
		checked: map[string]time.Time{},
	}, nil
}

// actor returns the active membership of the signed-in user in projectID.
// A non-allowed decision means the caller must stop.
func (e *Enforcer) actor(ctx context.Context, projectID string) (types.Member, Decision, error) {
	if !e.session.SessionValid() || e.session.CurrentUserID() == "" {
		return types.Member{}, Deny(ReasonSessionInvalid, "your session has expired, sign in again"), nil
	}
	m, ok, err := e.member(ctx, projectID, e.session.CurrentUserID())
	if err != nil {
		return types.Member{}, Decision{}, err
	}
	if !ok {
		return types.Member{}, Deny(ReasonNotAMember, "you are not a member of this project"), nil
	}
	return m, Allow(), nil
}

// member returns the active membership of userID in projectID.
func (e *Enforcer) member(ctx context.Context, projectID, userID string) (types.Member, bool, error) {
	m, err := coordinator.GetAs[types.Member](ctx, e.co, types.MemberKey(projectID, userID))
	if coordinator.IsNotFound(err) {
		return types.Member{}, false, nil
	}
	if err != nil {
		return types.Member{}, false, fmt.Errorf("failed to read membership: %w", err)
	}
	if !m.IsActive {
		return m, false, nil
	}
	return m, true, nil
}

func needs(m types.Member, p rbac.Permission) Decision {
	if m.Permissions().Has(p) {
		return Allow()
	}
	return Deny(ReasonMissingPermission, "your role (%s) does not allow %s", m.Role, p)
}

func (e *Enforcer) now() time.Time {
	return e.cfg.Clock().UTC()
}

func write[T types.Entity](ctx context.Context, e *Enforcer, v T) (Result[T], error) {
	ack, err := e.co.Write(ctx, v)
	if err != nil {
		return Result[T]{}, err
	}
	if ack.Superseded {
		e.log.Info().Str("type", string(v.EntityType())).Str("id", v.EntityID()).Msg("mutation superseded by a concurrent update")
	}
	return Result[T]{Decision: Allow(), Value: v, Ack: ack}, nil
}
