package auth

import (
	"errors"
	"reflect"
	"testing"

	"pmos/internal/config"
)

func TestActorRolesFallback(t *testing.T) {
	cfg := config.Default()
	cfg.RBAC.Actors = map[string][]string{"ana": {"analyst"}}
	s := New(cfg)

	if got := s.ActorRoles("ana", []string{"reviewer"}); !reflect.DeepEqual(got, []string{"reviewer"}) {
		t.Fatalf("claimed roles ignored: %v", got)
	}
	if got := s.ActorRoles("ana", nil); !reflect.DeepEqual(got, []string{"analyst"}) {
		t.Fatalf("configured roles ignored: %v", got)
	}
	if got := s.ActorRoles("someone", nil); !reflect.DeepEqual(got, []string{"owner"}) {
		t.Fatalf("default role not applied: %v", got)
	}
}

func TestRequire(t *testing.T) {
	s := New(config.Default())

	if err := s.Require([]string{"owner"}, nil, PermIndexesRebuild); err != nil {
		t.Fatalf("owner wildcard: %v", err)
	}
	if err := s.Require([]string{"reviewer"}, nil, PermDraftsReview); err != nil {
		t.Fatalf("reviewer review: %v", err)
	}
	err := s.Require([]string{"analyst"}, nil, PermGateDecide)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermGateDecide {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := s.Require([]string{"analyst"}, []string{PermGateDecide}, PermGateDecide); err != nil {
		t.Fatalf("explicit permission ignored: %v", err)
	}
	if err := (Service{}).Require(nil, nil, PermGateDecide); err != nil {
		t.Fatalf("rbac without roles should allow: %v", err)
	}
}

func TestPermissionsUnion(t *testing.T) {
	s := New(config.Default())
	got := s.Permissions([]string{"reviewer", "analyst"})
	want := []string{"actions.write", "deepening.run", "drafts.read", "drafts.review", "events.read", "gate.decide", "patterns.read", "patterns.write", "signals.read", "signals.write"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("permissions = %v", got)
	}
}
