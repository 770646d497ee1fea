// Package docgen executes deferred document generation. Rendering and
// storage live behind the Renderer interface; items for this kind carry a
// freshness window so a backlog of day-old requests is dropped rather than
// generated for nobody.
package docgen

import (
	"context"
	"fmt"

	"vaxflow/internal/domain"
)

const Kind = "document-generate"

type Renderer interface {
	Render(ctx context.Context, documentID string) error
}

type handler struct{ renderer Renderer }

func NewHandler(r Renderer) domain.Handler { return &handler{renderer: r} }

func (h *handler) Execute(ctx context.Context, subjectRef string) error {
	if err := h.renderer.Render(ctx, subjectRef); err != nil {
		return fmt.Errorf("render document %s: %w", subjectRef, err)
	}
	return nil
}
