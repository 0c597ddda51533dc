package access

import (
	"fmt"

	"github.com/steveyegge/crewsync/internal/coordinator"
)

// Reason is the rule that denied an operation.
type Reason string

const (
	ReasonInsufficientRoleWeight Reason = "INSUFFICIENT_ROLE_WEIGHT"
	ReasonWouldRemoveLastAdmin   Reason = "WOULD_REMOVE_LAST_ADMIN"
	ReasonMissingPermission      Reason = "MISSING_PERMISSION"
	ReasonNotAMember             Reason = "NOT_A_MEMBER"
	ReasonSessionInvalid         Reason = "SESSION_INVALID"
	ReasonNotFound               Reason = "NOT_FOUND"
	ReasonInvalidRequest         Reason = "INVALID_REQUEST"
)

// Kind groups reasons for callers that only care about the category.
type Kind string

const (
	KindNone          Kind = ""
	KindAuthorization Kind = "authorization"
	KindInvariant     Kind = "invariant"
	KindInvalid       Kind = "invalid"
)

// Kind returns the category of r.
func (r Reason) Kind() Kind {
	switch r {
	case "":
		return KindNone
	case ReasonWouldRemoveLastAdmin:
		return KindInvariant
	case ReasonNotFound, ReasonInvalidRequest:
		return KindInvalid
	default:
		return KindAuthorization
	}
}

// Decision is the verdict of a pre-check. Message is suitable for display.
type Decision struct {
	Allowed bool
	Reason  Reason
	Kind    Kind
	Message string
}

// Allow is the decision for a permitted operation.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denial for reason.
func Deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Kind: reason.Kind(), Message: fmt.Sprintf(format, args...)}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied (%s): %s", d.Reason, d.Message)
}

// Result is the outcome of an enforced operation. Value and Ack are set
// only when the decision allowed the operation.
type Result[T any] struct {
	Decision
	Value T
	Ack   coordinator.Ack
}

func denied[T any](d Decision) Result[T] {
	return Result[T]{Decision: d}
}
