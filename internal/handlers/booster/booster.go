// Package booster wires booster-eligibility recalculation into the work
// queue. One kind is registered per disease, each bound to that disease's
// recalculation service, so the dispatch table is closed at startup.
package booster

import (
	"context"
	"fmt"

	"vaxflow/internal/domain"
)

// Recalculator recomputes booster eligibility for one registration. The
// business rules live behind this interface; the queue only retries it.
type Recalculator interface {
	Recalculate(ctx context.Context, registrationID string) error
}

// KindFor returns the queue kind for a disease, e.g. "booster-recalc-covid".
func KindFor(disease string) string {
	return "booster-recalc-" + disease
}

type handler struct {
	disease string
	svc     Recalculator
}

func NewHandler(disease string, svc Recalculator) domain.Handler {
	return &handler{disease: disease, svc: svc}
}

func (h *handler) Execute(ctx context.Context, subjectRef string) error {
	if err := h.svc.Recalculate(ctx, subjectRef); err != nil {
		return fmt.Errorf("recalculate %s eligibility for %s: %w", h.disease, subjectRef, err)
	}
	return nil
}
