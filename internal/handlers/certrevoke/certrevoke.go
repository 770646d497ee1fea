// Package certrevoke revokes vaccination certificates through the external
// certificate authority. Disenrollment-driven revocations are enqueued with
// priority by the producer so they jump the claim order.
package certrevoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vaxflow/internal/domain"
)

const Kind = "certificate-revoke"

// AuthorityClient revokes one certificate at the issuing authority.
type AuthorityClient interface {
	Revoke(ctx context.Context, certificateID string) error
}

type handler struct{ authority AuthorityClient }

func NewHandler(a AuthorityClient) domain.Handler { return &handler{authority: a} }

func (h *handler) Execute(ctx context.Context, subjectRef string) error {
	if err := h.authority.Revoke(ctx, subjectRef); err != nil {
		return fmt.Errorf("revoke certificate %s: %w", subjectRef, err)
	}
	return nil
}

// HTTPAuthority talks to the authority's revocation endpoint. A 4xx answer
// means the authority rejected the certificate itself and retrying cannot
// change that; 5xx and transport errors are left retryable.
type HTTPAuthority struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPAuthority(baseURL string, timeout time.Duration) *HTTPAuthority {
	return &HTTPAuthority{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAuthority) Revoke(ctx context.Context, certificateID string) error {
	body, err := json.Marshal(map[string]string{"certificate_id": certificateID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/revocations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("authority request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 500 {
		return fmt.Errorf("authority rejected revocation (%d): %s: %w", resp.StatusCode, msg, domain.ErrPermanent)
	}
	return fmt.Errorf("authority error (%d): %s", resp.StatusCode, msg)
}
