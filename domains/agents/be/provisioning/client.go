// Package provisioning talks to the external messaging provider that binds an
// agent to a WhatsApp number and hands out the pairing QR code.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RegisterAgentRequest mirrors the provider's create-agent payload. Field
// names are the provider's wire contract, do not rename them.
type RegisterAgentRequest struct {
	UserID      string `json:"user_id"`
	Numero      string `json:"numero"`
	Nome        string `json:"nome"`
	Tipo        string `json:"tipo"`
	Descricao   string `json:"descricao"`
	Prompt      string `json:"prompt"`
	Plano       string `json:"plano"`
}

// RegisterAgentResult is the provider's answer to a registration call.
type RegisterAgentResult struct {
	Status    string  `json:"status"`
	QRCodeURL *string `json:"qrcodeUrl,omitempty"`
	Error     *string `json:"error,omitempty"`
	Msg       *string `json:"msg,omitempty"`
}

// Succeeded reports whether the provider accepted the registration.
func (r RegisterAgentResult) Succeeded() bool {
	return r.Status == "success"
}

// FailureMessage returns the provider's error text, preferring the error
// field, then msg, then a generic fallback.
func (r RegisterAgentResult) FailureMessage() string {
	if r.Error != nil && *r.Error != "" {
		return *r.Error
	}
	if r.Msg != nil && *r.Msg != "" {
		return *r.Msg
	}
	return "Erro desconhecido"
}

// QRStatusResult is one QR-status poll answer.
type QRStatusResult struct {
	Connected bool    `json:"conectado"`
	QRCode    *string `json:"qr_code,omitempty"`
}

// MessagingClient abstracts the external messaging provider.
type MessagingClient interface {
	RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResult, error)
	QRStatus(ctx context.Context, phoneNumber string) (QRStatusResult, error)
}

// HTTPClientConfig configures the provider HTTP client.
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient is the production MessagingClient talking JSON over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds an HTTPClient from config, applying a default timeout.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("messaging base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("messaging base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// RegisterAgent registers the agent with the provider. A decodable provider
// error payload is returned as a result, not a Go error, so the caller can
// read the provider's message.
func (c *HTTPClient) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RegisterAgentResult{}, fmt.Errorf("encode register payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/create-agent", bytes.NewReader(body))
	if err != nil {
		return RegisterAgentResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return RegisterAgentResult{}, fmt.Errorf("call messaging provider: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RegisterAgentResult{}, fmt.Errorf("read provider response: %w", err)
	}

	var result RegisterAgentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return RegisterAgentResult{}, fmt.Errorf("decode provider response (http %d): %w", resp.StatusCode, err)
	}

	return result, nil
}

// QRStatus fetches the pairing state for a normalized phone number. The
// qr_code field, when present, is normalized to a data URI.
func (c *HTTPClient) QRStatus(ctx context.Context, phoneNumber string) (QRStatusResult, error) {
	endpoint := fmt.Sprintf("%s/qrcode/%s", c.baseURL, url.PathEscape(phoneNumber))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return QRStatusResult{}, err
	}
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return QRStatusResult{}, fmt.Errorf("call qr status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QRStatusResult{}, fmt.Errorf("qr status returned http %d", resp.StatusCode)
	}

	var result QRStatusResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return QRStatusResult{}, fmt.Errorf("decode qr status: %w", err)
	}

	if result.QRCode != nil {
		normalized := NormalizeQRCode(*result.QRCode)
		result.QRCode = &normalized
	}

	return result, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// NormalizeQRCode ensures the QR payload is a renderable data URI. The
// provider sometimes sends raw base64 and sometimes a full data URI.
func NormalizeQRCode(qr string) string {
	if strings.HasPrefix(qr, "data:image") {
		return qr
	}
	return "data:image/png;base64," + qr
}
