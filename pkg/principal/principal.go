// Package principal implements registration and lifecycle of the
// entities (users, agents, services) that authority policies and mandates
// are issued against.
package principal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

type Type string

const (
	TypeUser    Type = "user"
	TypeAgent   Type = "agent"
	TypeService Type = "service"
)

// Principal is a registered identity in the delegation graph. ParentID, when
// set, points at the principal that created/owns this one (e.g. a service
// account owned by a human); it is unrelated to mandate delegation depth.
type Principal struct {
	PrincipalID  string    `json:"principal_id"`
	Name         string    `json:"name"`
	Owner        string    `json:"owner"`
	Type         Type      `json:"principal_type"`
	ParentID     string    `json:"parent_id,omitempty"`
	PublicKey    string    `json:"public_key,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Store persists principals as given; the acyclic parent_id check runs in
// Register, before the store is called.
type Store interface {
	Register(ctx context.Context, p Principal) (*Principal, error)
	Get(ctx context.Context, principalID string) (*Principal, error)
	GetByName(ctx context.Context, name string) (*Principal, error)
	List(ctx context.Context) ([]Principal, error)
	Deactivate(ctx context.Context, principalID string) error
}

// Register validates and inserts a new principal via store. Name must be
// globally unique; ParentID (if set) must already exist and must not
// introduce a cycle through the existing parent chain.
func Register(ctx context.Context, store Store, p Principal) (*Principal, error) {
	if p.Name == "" {
		return nil, caracalerr.Validation("name", "required")
	}
	switch p.Type {
	case TypeUser, TypeAgent, TypeService:
	default:
		return nil, caracalerr.Validation("principal_type", fmt.Sprintf("unknown value %q", p.Type))
	}

	if existing, err := store.GetByName(ctx, p.Name); err == nil && existing != nil {
		return nil, caracalerr.Validation("name", fmt.Sprintf("%q already registered", p.Name))
	}

	if p.ParentID != "" {
		if err := checkAcyclic(ctx, store, p.ParentID, p.ParentID); err != nil {
			return nil, err
		}
	}

	p.PrincipalID = uuid.New().String()
	p.Active = true
	p.CreatedAt = time.Now().UTC()

	return store.Register(ctx, p)
}

// checkAcyclic walks the parent chain starting at parentID, failing if it
// ever loops back to origin (or exceeds a sane depth, guarding against a
// corrupted chain causing an unbounded walk).
func checkAcyclic(ctx context.Context, store Store, parentID, origin string) error {
	seen := map[string]bool{}
	current := parentID
	for depth := 0; current != ""; depth++ {
		if depth > 1000 {
			return caracalerr.Validation("parent_id", "parent chain exceeds sane depth, refusing to register")
		}
		if seen[current] {
			return caracalerr.Validation("parent_id", fmt.Sprintf("chain contains a cycle at %s", current))
		}
		seen[current] = true

		parent, err := store.Get(ctx, current)
		if err != nil || parent == nil {
			return caracalerr.Validation("parent_id", fmt.Sprintf("%s does not exist", current))
		}
		if parent.ParentID == origin {
			return caracalerr.Validation("parent_id", fmt.Sprintf("registering under %s would create a cycle", origin))
		}
		current = parent.ParentID
	}
	return nil
}

// Deactivate soft-deactivates a principal. It does not revoke the
// principal's mandates: revocation is a separate, explicit operation on the
// mandate manager (the two are orthogonal so deactivating an owner
// doesn't silently kill in-flight delegated authority).
func Deactivate(ctx context.Context, store Store, principalID string) error {
	p, err := store.Get(ctx, principalID)
	if err != nil || p == nil {
		return caracalerr.NotFound(fmt.Sprintf("principal %s not found", principalID))
	}
	if !p.Active {
		return nil // idempotent
	}
	return store.Deactivate(ctx, principalID)
}
