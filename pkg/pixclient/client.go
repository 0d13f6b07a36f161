/**
 * @description
 * This package provides a client for the external PIX processor API.
 * It encapsulates authenticated HTTP requests to the processor's deposit,
 * withdraw, status, key-validation and balance endpoints, and unwraps the
 * processor's `{"response": ...}` envelope.
 *
 * @notes
 * - Transport failures, timeouts and 5xx responses are reported as ErrUnavailable
 *   so callers can decide whether to surface or absorb them.
 * - 4xx responses are returned as *APIError.
 */
package pixclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable marks a processor call that failed for transport or server-side reasons.
var ErrUnavailable = errors.New("pix processor unavailable")

// Client is a client for the PIX processor API.
type Client struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
}

// NewClient creates a new PIX processor client.
func NewClient(baseURL, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// DepositRequest is the payload for a QR deposit.
type DepositRequest struct {
	AmountInCents int64  `json:"amountInCents"`
	DepixAddress  string `json:"depixAddress,omitempty"`
	Description   string `json:"description,omitempty"`
}

// DepositResponse is the processor's acknowledgement of a deposit.
type DepositResponse struct {
	ID          string          `json:"id"`
	QRCopyPaste string          `json:"qrCopyPaste"`
	QRImageURL  string          `json:"qrImageUrl"`
	Expiration  string          `json:"expiration,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// WithdrawRequest is the payload for a PIX payout.
type WithdrawRequest struct {
	AmountInCents int64  `json:"amountInCents"`
	PixKey        string `json:"pixKey"`
	Description   string `json:"description,omitempty"`
}

// WithdrawResponse is the processor's acknowledgement of a payout.
type WithdrawResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// StatusResponse is returned by the status endpoints.
type StatusResponse struct {
	ID             string `json:"id"`
	QrID           string `json:"qrId"`
	Status         string `json:"status"`
	ValueInCents   int64  `json:"valueInCents"`
	PayerName      string `json:"payerName,omitempty"`
	PayerEUID      string `json:"payerEUID,omitempty"`
	PayerTaxNumber string `json:"payerTaxNumber,omitempty"`
	BankTxID       string `json:"bankTxId,omitempty"`
	BlockchainTxID string `json:"blockchainTxID,omitempty"`
	Expiration     string `json:"expiration,omitempty"`
}

// KeyValidationResponse is returned by the key validation endpoint.
type KeyValidationResponse struct {
	Valid   bool   `json:"valid"`
	KeyType string `json:"keyType,omitempty"`
}

// BalanceResponse is the processor account balance, in centavos.
type BalanceResponse struct {
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
}

// APIError represents a 4xx error from the processor.
type APIError struct {
	StatusCode   int    `json:"-"`
	ErrorMessage string `json:"errorMessage"`
	Code         string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("pix api error (status %d): %s", e.StatusCode, e.ErrorMessage)
	}
	return fmt.Sprintf("pix api error (status %d)", e.StatusCode)
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Async    bool            `json:"async,omitempty"`
}

// CreateDeposit asks the processor for a PIX QR charge.
func (c *Client) CreateDeposit(ctx context.Context, amount int64, key, description string) (*DepositResponse, error) {
	payload := DepositRequest{AmountInCents: amount, DepixAddress: key, Description: description}
	var out DepositResponse
	raw, err := c.do(ctx, "deposit", http.MethodPost, "/deposit", payload, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// CreateWithdraw asks the processor to pay out to a PIX key.
func (c *Client) CreateWithdraw(ctx context.Context, amount int64, key, description string) (*WithdrawResponse, error) {
	payload := WithdrawRequest{AmountInCents: amount, PixKey: key, Description: description}
	var out WithdrawResponse
	raw, err := c.do(ctx, "withdraw", http.MethodPost, "/withdraw", payload, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// GetDepositStatus fetches the processor status of a deposit.
func (c *Client) GetDepositStatus(ctx context.Context, externalID string) (*StatusResponse, error) {
	var out StatusResponse
	if _, err := c.do(ctx, "deposit_status", http.MethodGet, "/deposit-status?id="+url.QueryEscape(externalID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWithdrawStatus fetches the processor status of a payout.
func (c *Client) GetWithdrawStatus(ctx context.Context, externalID string) (*StatusResponse, error) {
	var out StatusResponse
	if _, err := c.do(ctx, "withdraw_status", http.MethodGet, "/withdraw-status?id="+url.QueryEscape(externalID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateKey checks whether a PIX key exists.
func (c *Client) ValidateKey(ctx context.Context, key string) (*KeyValidationResponse, error) {
	var out KeyValidationResponse
	if _, err := c.do(ctx, "validate_key", http.MethodPost, "/validate-pix-key", map[string]string{"pixKey": key}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalance fetches the processor account balance.
func (c *Client) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	var out BalanceResponse
	if _, err := c.do(ctx, "get_balance", http.MethodGet, "/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes a request and decodes the enveloped response into out.
// It returns the raw inner response for callers that persist the processor echo.
func (c *Client) do(ctx context.Context, op, method, path string, payload any, out any) (json.RawMessage, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is empty", ErrUnavailable)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=pix_client op=%s msg=\"request failed\" err=%v", op, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %v", ErrUnavailable, op, err)
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=pix_client op=%s status=%d msg=\"processor server error\"", op, resp.StatusCode)
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnavailable, op, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=pix_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		} else {
			log.Printf("level=warn component=pix_client op=%s status=%d error=%q", op, resp.StatusCode, apiErr.ErrorMessage)
		}
		return nil, apiErr
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	inner := env.Response
	if len(inner) == 0 {
		inner = bodyBytes
	}
	if out != nil {
		if err := json.Unmarshal(inner, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return inner, nil
}
