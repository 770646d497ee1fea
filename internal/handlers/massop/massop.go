// Package massop covers mass-data operations against the identity provider.
// Each subtype is its own registered kind; these kinds run with inter-item
// pacing because the identity provider rate-limits admin calls.
package massop

import (
	"context"
	"fmt"

	"vaxflow/internal/domain"
)

const (
	KindDeactivate = "mass-operation:deactivate"
	KindDelete     = "mass-operation:delete"
)

// IdentityProvider is the external user-directory admin API.
type IdentityProvider interface {
	DeactivateUser(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error
}

func NewDeactivateHandler(idp IdentityProvider) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, subjectRef string) error {
		if err := idp.DeactivateUser(ctx, subjectRef); err != nil {
			return fmt.Errorf("deactivate user %s: %w", subjectRef, err)
		}
		return nil
	})
}

func NewDeleteHandler(idp IdentityProvider) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, subjectRef string) error {
		if err := idp.DeleteUser(ctx, subjectRef); err != nil {
			return fmt.Errorf("delete user %s: %w", subjectRef, err)
		}
		return nil
	})
}
