// Package clients holds the HTTP clients for the business services the
// queue's handlers delegate to. The queue core never sees these; they are
// bound to handlers when the registry is built at startup.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) postJSON(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d: %s", http.MethodPost, path, resp.StatusCode, msg)
	}
	return nil
}

// Eligibility triggers booster-eligibility recalculation in the vaccination
// service for one registration and disease.
type Eligibility struct {
	c       client
	disease string
}

func NewEligibility(baseURL, disease string, timeout time.Duration) *Eligibility {
	return &Eligibility{c: client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}, disease: disease}
}

func (e *Eligibility) Recalculate(ctx context.Context, registrationID string) error {
	return e.c.postJSON(ctx, "/eligibility/recalculate", map[string]string{
		"registration_id": registrationID,
		"disease":         e.disease,
	})
}

// Documents asks the document service to render and store one document.
type Documents struct{ c client }

func NewDocuments(baseURL string, timeout time.Duration) *Documents {
	return &Documents{c: client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}}
}

func (d *Documents) Render(ctx context.Context, documentID string) error {
	return d.c.postJSON(ctx, "/documents/"+documentID+"/render", struct{}{})
}

// Identity is the admin API of the identity provider. Its calls are
// rate-limited downstream, which is why mass-operation kinds run paced.
type Identity struct{ c client }

func NewIdentity(baseURL string, timeout time.Duration) *Identity {
	return &Identity{c: client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}}
}

func (i *Identity) DeactivateUser(ctx context.Context, userID string) error {
	return i.c.postJSON(ctx, "/admin/users/"+userID+"/deactivate", struct{}{})
}

func (i *Identity) DeleteUser(ctx context.Context, userID string) error {
	return i.c.postJSON(ctx, "/admin/users/"+userID+"/delete", struct{}{})
}
