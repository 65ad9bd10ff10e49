// Package inventory talks to the stock collaborator the scan processor adjusts.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/medflow/medcode/pkg/messaging"
)

// Client calls the medflow inventory-service batch API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new inventory service client
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("inventory-client"),
	}
}

// batch is the part of the inventory-service batch payload the scanner needs
type batch struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
	UnitSize int    `json:"unit_size,omitempty"`
}

// adjustment mirrors the inventory-service stock adjustment response
type adjustment struct {
	ID               string `json:"id"`
	AdjustmentType   string `json:"adjustment_type"`
	Quantity         int    `json:"quantity"`
	PreviousQuantity int    `json:"previous_quantity"`
	NewQuantity      int    `json:"new_quantity"`
}

type adjustRequest struct {
	Quantity int    `json:"quantity"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GetBatch fetches the stock snapshot of a batch
func (c *Client) GetBatch(ctx context.Context, batchRef string) (*domain.BatchSnapshot, error) {
	var out envelope[batch]
	if err := c.do(ctx, http.MethodGet, batchRef, "", nil, "", &out); err != nil {
		return nil, err
	}
	return toSnapshot(batchRef, out.Data.Quantity, out.Data.UnitSize), nil
}

// AdjustStock applies a signed stock delta to a batch
func (c *Client) AdjustStock(ctx context.Context, adj *domain.StockAdjustment) (*domain.BatchSnapshot, error) {
	req := adjustRequest{Quantity: adj.Delta, Type: "add", Reason: adj.Reason}
	if adj.Delta < 0 {
		req = adjustRequest{Quantity: -adj.Delta, Type: "deduct", Reason: adj.Reason}
	}

	var out envelope[adjustment]
	if err := c.do(ctx, http.MethodPost, adj.BatchReference, "/adjust", req, adj.Actor, &out); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("batch_reference", adj.BatchReference).
		Int("delta", adj.Delta).
		Int("new_quantity", out.Data.NewQuantity).
		Str("actor", adj.Actor).
		Msg("stock adjusted via inventory service")

	return toSnapshot(adj.BatchReference, out.Data.NewQuantity, 0), nil
}

func (c *Client) do(ctx context.Context, method, batchRef, suffix string, body any, actor string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + "/api/v1/inventory/batches/" + url.PathEscape(batchRef) + suffix
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		httpReq.Header.Set("X-User-ID", actor)
	}
	if corr := messaging.CorrelationID(ctx); corr != "" {
		httpReq.Header.Set("X-Request-ID", corr)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Str("batch_reference", batchRef).Msg("failed to call inventory service")
		return fmt.Errorf("failed to call inventory service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(resp, batchRef)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode inventory response: %w", err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, batchRef string) error {
	var errResp envelope[json.RawMessage]
	_ = json.NewDecoder(resp.Body).Decode(&errResp)

	code, message := "", ""
	if errResp.Error != nil {
		code, message = errResp.Error.Code, errResp.Error.Message
	}

	c.logger.Warn().
		Int("status", resp.StatusCode).
		Str("error_code", code).
		Str("batch_reference", batchRef).
		Msg("inventory service call failed")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NotFound("inventory batch " + batchRef)
	case code == "INSUFFICIENT_STOCK" || resp.StatusCode == http.StatusConflict:
		if message == "" {
			message = "insufficient stock in batch " + batchRef
		}
		return errors.Wrap(errors.ErrInsufficientStock, "INSUFFICIENT_STOCK", message, http.StatusConflict)
	default:
		return errors.Wrap(fmt.Errorf("inventory service returned %d: %s", resp.StatusCode, message),
			"INVENTORY_UNAVAILABLE", "inventory service unavailable", http.StatusBadGateway)
	}
}

func toSnapshot(batchRef string, quantity, unitSize int) *domain.BatchSnapshot {
	if unitSize <= 0 {
		unitSize = 1
	}
	return &domain.BatchSnapshot{BatchReference: batchRef, AvailableQuantity: quantity, UnitSize: unitSize}
}
