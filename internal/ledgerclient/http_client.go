package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPClient talks JSON over HTTP to a ledger gateway. Response codes map
// onto the error taxonomy: 4xx is permanent, 5xx and transport failures are
// transient, and a timeout on submission is transient as well because the
// idempotency token makes the retry safe.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for the gateway at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type submitRequest struct {
	IdempotencyToken string        `json:"idempotency_token"`
	Legs             []TransferLeg `json:"legs"`
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// SubmitTransfer implements Client.
func (c *HTTPClient) SubmitTransfer(ctx context.Context, idempotencyToken string, legs []TransferLeg) (SubmitResult, error) {
	body, err := json.Marshal(submitRequest{IdempotencyToken: idempotencyToken, Legs: legs})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode transfer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SubmitResult{}, Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var out SubmitResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			// The transfer may have been accepted; only a status query can say.
			return SubmitResult{}, Ambiguous(fmt.Sprintf("undecodable submit response: %v", err))
		}
		return out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		code, detail := readError(resp.Body, resp.StatusCode)
		c.logger.Warn("ledger rejected transfer",
			zap.String("token", idempotencyToken),
			zap.String("code", code))
		return SubmitResult{}, Permanent(code, detail)
	default:
		_, detail := readError(resp.Body, resp.StatusCode)
		return SubmitResult{}, Transient(fmt.Errorf("ledger gateway %d: %s", resp.StatusCode, detail))
	}
}

type statusResponse struct {
	Status TransferStatus `json:"status"`
}

// GetTransferStatus implements Client.
func (c *HTTPClient) GetTransferStatus(ctx context.Context, ledgerTxRef string) (TransferStatus, error) {
	endpoint := fmt.Sprintf("%s/v1/transfers/%s", c.baseURL, url.PathEscape(ledgerTxRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StatusUnknown, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, detail := readError(resp.Body, resp.StatusCode)
		return StatusUnknown, Transient(fmt.Errorf("ledger gateway %d: %s", resp.StatusCode, detail))
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusUnknown, Transient(fmt.Errorf("decode status: %w", err))
	}
	switch out.Status {
	case StatusPending, StatusConfirmed, StatusFailed, StatusUnknown:
		return out.Status, nil
	default:
		return StatusUnknown, errors.New("unrecognized transfer status " + string(out.Status))
	}
}

// FindTransferByToken implements Client.
func (c *HTTPClient) FindTransferByToken(ctx context.Context, idempotencyToken string) (SubmitResult, bool, error) {
	endpoint := c.baseURL + "/v1/transfers?token=" + url.QueryEscape(idempotencyToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return SubmitResult{}, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return SubmitResult{}, false, Transient(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out SubmitResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return SubmitResult{}, false, Transient(fmt.Errorf("decode lookup: %w", err))
		}
		return out, true, nil
	case http.StatusNotFound:
		return SubmitResult{}, false, nil
	default:
		_, detail := readError(resp.Body, resp.StatusCode)
		return SubmitResult{}, false, Transient(fmt.Errorf("ledger gateway %d: %s", resp.StatusCode, detail))
	}
}

func readError(r io.Reader, status int) (code, detail string) {
	var er errorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&er); err != nil || er.Code == "" {
		return fmt.Sprintf("HTTP_%d", status), "no error detail"
	}
	return er.Code, er.Detail
}
