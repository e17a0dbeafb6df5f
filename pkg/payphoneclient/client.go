/**
 * @description
 * Client for the PayPhone payment button API. It prepares card transactions,
 * confirms them after the buyer is redirected back, and queries their current
 * state for reconciliation.
 *
 * @notes
 * - Amounts are integer cents, which is also how PayPhone reports them.
 * - Only CreateTransaction retries, and only on transport failures and 5xx.
 *   Confirm and query failures are returned as-is so callers never mistake an
 *   outage for a result.
 */
package payphoneclient

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
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnavailable matches transport failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("payphone unavailable")
	// ErrTimeout matches the subset of ErrUnavailable caused by a deadline.
	ErrTimeout = errors.New("payphone timeout")
	// ErrNotFound is returned when the provider does not know the transaction.
	ErrNotFound = errors.New("payphone transaction not found")
	// ErrInvalidTransactionID is returned for non-numeric transaction ids.
	ErrInvalidTransactionID = errors.New("invalid payphone transaction id")
)

const (
	defaultTimeout           = 30 * time.Second
	defaultMaxCreateAttempts = 3
	defaultRetryBackoff      = 500 * time.Millisecond
)

// Client is a client for the PayPhone API.
type Client struct {
	BaseURL           string
	Token             string
	StoreID           string
	HTTPClient        *http.Client
	MaxCreateAttempts int
	RetryBackoff      time.Duration
}

// NewClient creates a new PayPhone API client.
func NewClient(baseURL, token, storeID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   strings.TrimSpace(token),
		StoreID: strings.TrimSpace(storeID),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		MaxCreateAttempts: defaultMaxCreateAttempts,
		RetryBackoff:      defaultRetryBackoff,
	}
}

// PrepareRequest is the payload of the button Prepare endpoint.
type PrepareRequest struct {
	Amount              int64  `json:"amount"`
	AmountWithoutTax    int64  `json:"amountWithoutTax"`
	AmountWithTax       int64  `json:"amountWithTax"`
	Tax                 int64  `json:"tax"`
	Currency            string `json:"currency"`
	ClientTransactionID string `json:"clientTransactionId"`
	StoreID             string `json:"storeId,omitempty"`
	Reference           string `json:"reference,omitempty"`
	ResponseURL         string `json:"responseUrl,omitempty"`
	CancellationURL     string `json:"cancellationUrl,omitempty"`
}

// PrepareResponse carries the provider's transaction reference and checkout URLs.
type PrepareResponse struct {
	PaymentID       int64  `json:"paymentId"`
	PayWithPayPhone string `json:"payWithPayPhone"`
	PayWithCard     string `json:"payWithCard"`
}

// Reference returns the payment id as the string reference stored locally.
func (r *PrepareResponse) Reference() string {
	if r == nil || r.PaymentID == 0 {
		return ""
	}
	return strconv.FormatInt(r.PaymentID, 10)
}

// Transaction is the provider's view of one card transaction.
type Transaction struct {
	TransactionID       int64  `json:"transactionId"`
	ClientTransactionID string `json:"clientTransactionId"`
	StatusCode          int    `json:"statusCode"`
	TransactionStatus   string `json:"transactionStatus"`
	Amount              int64  `json:"amount"`
	AuthorizationCode   string `json:"authorizationCode,omitempty"`
	Currency            string `json:"currency,omitempty"`
	Message             string `json:"message,omitempty"`
	Date                string `json:"date,omitempty"`

	// Raw holds the undecoded response body for audit storage.
	Raw json.RawMessage `json:"-"`
}

// Reference returns the transaction id as the string reference stored locally.
func (t *Transaction) Reference() string {
	if t == nil || t.TransactionID == 0 {
		return ""
	}
	return strconv.FormatInt(t.TransactionID, 10)
}

// ErrorResponse represents a 4xx error body from the PayPhone API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	ErrorCode  int    `json:"errorCode"`
	Errors     []struct {
		Message           string   `json:"message"`
		ErrorDescriptions []string `json:"errorDescriptions"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payphone api error (status %d): %s", e.StatusCode, e.Message)
	}
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payphone api error (status %d): %s", e.StatusCode, e.Errors[0].Message)
	}
	return fmt.Sprintf("payphone api error (status %d)", e.StatusCode)
}

// UnavailableError wraps failures that say nothing about the transaction itself.
type UnavailableError struct {
	Op         string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payphone %s unavailable: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("payphone %s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool {
	if target == ErrUnavailable {
		return true
	}
	return target == ErrTimeout && e.Timeout
}

// CreateTransaction prepares a card transaction, retrying transient failures.
func (c *Client) CreateTransaction(ctx context.Context, req PrepareRequest) (*PrepareResponse, error) {
	if req.StoreID == "" {
		req.StoreID = c.StoreID
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	attempts := c.MaxCreateAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var resp PrepareResponse
		_, err := c.do(ctx, "prepare", http.MethodPost, "/api/button/Prepare", req, &resp)
		if err == nil {
			return &resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) || attempt == attempts {
			break
		}

		log.Printf("level=warn component=payphone_client op=prepare attempt=%d client_tx_id=%s msg=\"transient failure; retrying\" err=%v", attempt, req.ClientTransactionID, err)
		backoff := c.RetryBackoff * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// ConfirmTransaction confirms the transaction the buyer was redirected back with.
func (c *Client) ConfirmTransaction(ctx context.Context, transactionID, clientTransactionID string) (*Transaction, error) {
	id, err := parseTransactionID(transactionID)
	if err != nil {
		return nil, err
	}
	payload := struct {
		ID         int64  `json:"id"`
		ClientTxID string `json:"clientTxId"`
	}{ID: id, ClientTxID: strings.TrimSpace(clientTransactionID)}

	var txn Transaction
	raw, err := c.do(ctx, "confirm", http.MethodPost, "/api/button/V2/Confirm", payload, &txn)
	if err != nil {
		return nil, err
	}
	txn.Raw = raw
	return &txn, nil
}

// QueryTransaction fetches the current state of a transaction.
func (c *Client) QueryTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	id, err := parseTransactionID(transactionID)
	if err != nil {
		return nil, err
	}

	var txn Transaction
	raw, err := c.do(ctx, "query", http.MethodGet, "/api/Sale/"+url.PathEscape(strconv.FormatInt(id, 10)), nil, &txn)
	if err != nil {
		return nil, err
	}
	if txn.TransactionID == 0 {
		return nil, fmt.Errorf("%w: empty sale body for %s", ErrNotFound, transactionID)
	}
	txn.Raw = raw
	return &txn, nil
}

func parseTransactionID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTransactionID, raw)
	}
	return id, nil
}

// do executes one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}, out interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{Op: op, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{Op: op, Timeout: isTimeout(err), Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		log.Printf("level=warn component=payphone_client op=%s status=%d msg=\"provider server error\"", op, resp.StatusCode)
		return nil, &UnavailableError{Op: op, StatusCode: resp.StatusCode, Timeout: resp.StatusCode == http.StatusGatewayTimeout}
	case resp.StatusCode == http.StatusNotFound:
		log.Printf("level=warn component=payphone_client op=%s status=%d msg=\"transaction not found\"", op, resp.StatusCode)
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=payphone_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return nil, &errResp
		}
		log.Printf("level=warn component=payphone_client op=%s status=%d error_code=%d message=%q", op, resp.StatusCode, errResp.ErrorCode, errResp.Message)
		return nil, &errResp
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return json.RawMessage(bodyBytes), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
