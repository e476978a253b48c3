// Package nphies is the HTTP client for the upstream claim adjudication API.
package nphies

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gyeh/claimflow/internal/gateway"
	"github.com/gyeh/claimflow/internal/model"
)

const maxResponseBody = 1 << 20

// Envelope is the request body posted for one claim.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	FacilityID    string          `json:"facility_id"`
	Claim         json.RawMessage `json:"claim"`
	Digest        []byte          `json:"digest"`
	Signature     model.Signature `json:"signature"`
	SignedAt      string          `json:"signed_at"`
}

// Client posts signed claims to a single submission endpoint.
type Client struct {
	url    string
	token  string
	client *http.Client
}

type Option func(*Client)

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

// NewClient creates a client for url. The overall request deadline is the
// caller's context; timeout only guards against a stalled connection.
func NewClient(url string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewEnvelope builds the wire body for p.
func NewEnvelope(p *model.SignedPayload) Envelope {
	return Envelope{
		CorrelationID: p.CorrelationID,
		FacilityID:    p.SigningFacilityID,
		Claim:         json.RawMessage(p.CanonicalBytes),
		Digest:        p.Digest,
		Signature:     p.Signature,
		SignedAt:      p.SignedAt.UTC().Format(time.RFC3339),
	}
}

// Send implements gateway.Upstream. Any HTTP response, including 4xx and
// 5xx, is returned without error; classification is the gateway's job.
func (c *Client) Send(ctx context.Context, p *model.SignedPayload) (*gateway.Response, error) {
	if !json.Valid(p.CanonicalBytes) {
		return nil, fmt.Errorf("%w: canonical claim is not valid json", gateway.ErrMalformedPayload)
	}
	body, err := json.Marshal(NewEnvelope(p))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal envelope: %v", gateway.ErrMalformedPayload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", gateway.ErrMalformedPayload, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", p.CorrelationID)
	req.Header.Set("Idempotency-Key", p.CorrelationID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post claim: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &gateway.Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
