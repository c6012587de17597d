// Package psp talks to the external payment service provider that hosts the
// actual checkout pages. The portal never touches card or bank data; it only
// opens checkout sessions and correlates the results.
package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"portal-sessions/backend/internal/portal/service"
)

const requestTimeout = 10 * time.Second

// HTTPGateway implements service.ProcessorGateway against the provider's
// checkout session API.
type HTTPGateway struct {
	provider string
	baseURL  string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPGateway returns a gateway for the given provider API.
func NewHTTPGateway(provider, baseURL, apiKey string, log *zap.Logger) *HTTPGateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPGateway{
		provider: provider,
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
	}
}

type checkoutPayload struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	CustomerRef string `json:"customer_ref"`
	MandateRef  string `json:"mandate_ref,omitempty"`
	State       string `json:"state"`
	ReturnURL   string `json:"return_url"`
}

type checkoutResponse struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
	ExpiresAt   string `json:"expires_at"`
}

// StartCheckout opens a hosted checkout session at the provider.
func (g *HTTPGateway) StartCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutSession, error) {
	payload, err := json.Marshal(checkoutPayload{
		Method:      string(req.Method),
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
		CustomerRef: req.CustomerID,
		MandateRef:  req.MandateID,
		State:       req.StateToken,
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/checkout/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("psp: checkout request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("psp: checkout returned %s", resp.Status)
	}

	var out checkoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("psp: decode checkout response: %w", err)
	}
	if out.ID == "" || out.RedirectURL == "" {
		return nil, fmt.Errorf("psp: checkout response missing id or redirect url")
	}
	expires := time.Time{}
	if out.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
			expires = t
		}
	}
	g.log.Info("checkout opened",
		zap.String("provider", g.provider),
		zap.String("processor_session", out.ID))
	return &service.CheckoutSession{
		Provider:         g.provider,
		ProcessorSession: out.ID,
		RedirectURL:      out.RedirectURL,
		ExpiresAt:        expires,
	}, nil
}

// DevGateway fabricates checkout sessions without an external provider. Used
// in local development when no PSP is configured; the "checkout page" is a
// stub URL carrying the state token so the return flow can be exercised.
type DevGateway struct {
	returnURL string
}

// NewDevGateway returns a gateway for local development.
func NewDevGateway(returnURL string) *DevGateway {
	return &DevGateway{returnURL: returnURL}
}

// StartCheckout returns a synthetic checkout session pointing back at the
// return endpoint.
func (g *DevGateway) StartCheckout(_ context.Context, req service.CheckoutRequest) (*service.CheckoutSession, error) {
	redirect := g.returnURL + "?state=" + url.QueryEscape(req.StateToken) + "&outcome=confirmed"
	return &service.CheckoutSession{
		Provider:         "dev",
		ProcessorSession: "dev-" + req.SessionID,
		RedirectURL:      redirect,
		ExpiresAt:        time.Now().UTC().Add(15 * time.Minute),
	}, nil
}
