package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"gateline/internal/config"
	"gateline/internal/repo"
)

// SystemActor performs orchestration steps on behalf of the engine.
const SystemActor = "system"

// Permissions checked by the engine.
const (
	PermDirectiveCreate   = "directive.create"
	PermDirectiveAdvance  = "directive.advance"
	PermDirectiveComplete = "directive.complete"
	PermDirectiveCancel   = "directive.cancel"
	PermDirectiveLink     = "directive.link"
	PermHandoffSubmit     = "handoff.submit"
	PermVerdictRecord     = "verdict.record"
	PermCheckpointManage  = "checkpoint.manage"
	PermAPIKeyManage      = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ForbiddenVerifierError indicates the actor holds no role allowed to rule on a verifier.
type ForbiddenVerifierError struct {
	Code string
}

func (e ForbiddenVerifierError) Error() string {
	return fmt.Sprintf("verifier authority required for %s", e.Code)
}

// Service answers RBAC questions from the role tables.
type Service struct {
	Repo repo.Repo
}

func (s Service) EnsureActor(ctx context.Context, q repo.Querier, actorID, now string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return s.Repo.EnsureActor(ctx, q, actorID, now)
}

func (s Service) ActorHasPermission(ctx context.Context, q repo.Querier, actorID, perm string) (bool, error) {
	perms, err := s.Repo.ActorPermissions(ctx, q, actorID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, perm), nil
}

// ActorCanVerify reports whether the actor may record a verdict for code. Codes
// with no configured authorities are open to any role holding verdict.record.
func (s Service) ActorCanVerify(ctx context.Context, q repo.Querier, actorID, code string) (bool, error) {
	allowed, err := s.Repo.VerifierRoles(ctx, q, code)
	if err != nil {
		return false, err
	}
	if len(allowed) == 0 {
		return s.ActorHasPermission(ctx, q, actorID, PermVerdictRecord)
	}
	roles, err := s.Repo.ActorRoles(ctx, q, actorID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if slices.Contains(allowed, r) {
			return true, nil
		}
	}
	return false, nil
}

// Seed writes the roles, grants and verifier authorities of cfg to the store.
// Role permission sets are replaced; grants and authorities are additive.
func (s Service) Seed(ctx context.Context, q repo.Querier, cfg config.RBACConfig, now string) error {
	roleIDs := make([]string, 0, len(cfg.Roles))
	for id := range cfg.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.Roles[id]
		if err := s.Repo.InsertRole(ctx, q, id, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
		if err := s.Repo.ReplaceRolePermissions(ctx, q, id, role.Permissions); err != nil {
			return fmt.Errorf("seed role %s permissions: %w", id, err)
		}
	}
	for actorID, roles := range cfg.Grants {
		if err := s.EnsureActor(ctx, q, actorID, now); err != nil {
			return err
		}
		for _, r := range roles {
			if err := s.Repo.AssignRole(ctx, q, actorID, r); err != nil {
				return fmt.Errorf("grant %s to %s: %w", r, actorID, err)
			}
		}
	}
	for code, roles := range cfg.VerifierAuthorities {
		for _, r := range roles {
			if err := s.Repo.AllowVerifierRole(ctx, q, code, r); err != nil {
				return fmt.Errorf("verifier authority %s/%s: %w", code, r, err)
			}
		}
	}
	return nil
}
