// Package api wraps the anonymization service endpoints: thin typed
// request/response calls with no retry logic of their own.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veilchat/veilchat/internal/config"
	"github.com/veilchat/veilchat/internal/logger"
)

// ErrSessionNotFound is returned when the service no longer knows the
// session correlation id (expired or invalid).
var ErrSessionNotFound = errors.New("api: session not found")

// Attestation is the optional signing material attached to anonymize and
// deanonymize responses. Consumed opaquely; verification happens server-side.
type Attestation struct {
	Quote         string `json:"quote,omitempty"`
	Signature     string `json:"signature,omitempty"`
	PublicKey     string `json:"public_key,omitempty"`
	SigningMethod string `json:"signing_method,omitempty"`
}

// Present reports whether there is anything to verify.
func (a Attestation) Present() bool {
	return a.Signature != "" && a.PublicKey != ""
}

// AnonymizeResult is the /anonymize response. The first call of a
// conversation establishes SessionID.
type AnonymizeResult struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Attestation
}

// DeanonymizeResult is the /deanonymize response.
type DeanonymizeResult struct {
	Text string `json:"text"`
	Attestation
}

// Client is a client for the anonymization API
type Client struct {
	cfg    config.APIConfig
	client *http.Client
}

// NewClient creates a new anonymization API client
func NewClient(cfg config.APIConfig) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Anonymize substitutes PII in text. Pass an empty sessionID on the first
// turn; later turns must carry the id so substitutions stay consistent.
func (c *Client) Anonymize(ctx context.Context, text, sessionID string) (*AnonymizeResult, error) {
	body := map[string]string{
		"text":     text,
		"language": c.cfg.Language,
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}

	var out AnonymizeResult
	if err := c.post(ctx, "/anonymize", body, &out); err != nil {
		return nil, err
	}
	logger.L.Debug("anonymize ok", "session_id", out.SessionID, "len", len(out.Text))
	return &out, nil
}

// Deanonymize restores PII in text for the given session.
func (c *Client) Deanonymize(ctx context.Context, text, sessionID string) (*DeanonymizeResult, error) {
	body := map[string]string{
		"text":       text,
		"session_id": sessionID,
	}
	var out DeanonymizeResult
	if err := c.post(ctx, "/deanonymize", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublicKey fetches the signing public key for the given method ("" for the
// service default).
func (c *Client) PublicKey(ctx context.Context, signingMethod string) (map[string]any, error) {
	u := c.cfg.BaseURL + "/public-key"
	if signingMethod != "" {
		u += "?signing_method=" + url.QueryEscape(signingMethod)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api: public-key: unexpected status code: %d", resp.StatusCode)
	}

	var out struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// VerifySignature checks signed content. The service reports isValid as a
// bool or a string; anything but true/"true" counts as not valid, with the
// raw value returned for display.
func (c *Client) VerifySignature(ctx context.Context, content string, att Attestation) (bool, string, error) {
	q := url.Values{}
	q.Set("content", content)
	q.Set("signature", att.Signature)
	q.Set("public_key", att.PublicKey)
	q.Set("signing_method", att.SigningMethod)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/verify-signature?"+q.Encode(), nil)
	if err != nil {
		return false, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("api: verify-signature: unexpected status code: %d", resp.StatusCode)
	}

	var out struct {
		IsValid any `json:"isValid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", err
	}
	switch v := out.IsValid.(type) {
	case bool:
		return v, fmt.Sprintf("%t", v), nil
	case string:
		return strings.EqualFold(v, "true"), v, nil
	default:
		return false, fmt.Sprintf("%v", v), nil
	}
}

// Health probes the service. Cheap, side-effect free; callers bound it with
// their own context deadline.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: health probe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api: health probe: unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// BatchMessage posts one turn to the synchronous fallback endpoint and
// returns the complete response text. Used only in fallback mode.
func (c *Client) BatchMessage(ctx context.Context, endpoint, message, sessionID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"message":   message,
		"sessionId": sessionID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api: batch message: unexpected status code: %d", resp.StatusCode)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBuffer(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: %s: unexpected status code: %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
