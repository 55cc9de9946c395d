// Package auth resolves actor permissions from the rbac section of pmos.yml.
package auth

import (
	"fmt"
	"sort"

	"pmos/internal/config"
)

// Permission ids checked by the API.
const (
	PermSignalsRead    = "signals.read"
	PermSignalsWrite   = "signals.write"
	PermGateDecide     = "gate.decide"
	PermPatternsRead   = "patterns.read"
	PermPatternsWrite  = "patterns.write"
	PermDeepeningRun   = "deepening.run"
	PermActionsWrite   = "actions.write"
	PermDraftsRead     = "drafts.read"
	PermDraftsReview   = "drafts.review"
	PermEventsRead     = "events.read"
	PermIndexesRebuild = "indexes.rebuild"

	Wildcard = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by config.
type Service struct {
	RBAC config.RBAC
}

func New(cfg *config.Config) Service {
	return Service{RBAC: cfg.RBAC}
}

// Enabled reports whether any roles are configured. Without roles every
// actor may do everything.
func (s Service) Enabled() bool {
	return len(s.RBAC.Roles) > 0
}

// ActorRoles returns claimed roles when present, else the roles configured
// for the actor, else the default role.
func (s Service) ActorRoles(actorID string, claimed []string) []string {
	if len(claimed) > 0 {
		return claimed
	}
	if roles := s.RBAC.Actors[actorID]; len(roles) > 0 {
		return roles
	}
	if s.RBAC.DefaultRole != "" {
		return []string{s.RBAC.DefaultRole}
	}
	return nil
}

// Permissions is the sorted union of permissions granted by roles.
func (s Service) Permissions(roles []string) []string {
	seen := map[string]bool{}
	for _, r := range roles {
		for _, p := range s.RBAC.Roles[r].Permissions {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require checks perm against explicit permissions plus those of roles.
func (s Service) Require(roles, explicit []string, perm string) error {
	if !s.Enabled() {
		return nil
	}
	for _, list := range [][]string{explicit, s.Permissions(roles)} {
		for _, p := range list {
			if p == perm || p == Wildcard {
				return nil
			}
		}
	}
	return ForbiddenError{Permission: perm}
}
