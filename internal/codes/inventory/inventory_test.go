package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
	"github.com/medflow/medcode/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/inventory/batches/batch-1", r.URL.Path)
		assert.Equal(t, "corr-7", r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"batch-1","quantity":12}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, logger.Nop())
	ctx := messaging.WithCorrelationID(context.Background(), "corr-7")

	snap, err := c.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, &domain.BatchSnapshot{BatchReference: "batch-1", AvailableQuantity: 12, UnitSize: 1}, snap)
}

func TestClient_AdjustStock(t *testing.T) {
	var got adjustRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/inventory/batches/batch-1/adjust", r.URL.Path)
		assert.Equal(t, "nurse-1", r.Header.Get("X-User-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"adj-1","quantity":20,"previous_quantity":20,"new_quantity":0}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, logger.Nop())
	snap, err := c.AdjustStock(context.Background(), &domain.StockAdjustment{
		BatchReference: "batch-1",
		Delta:          -20,
		Reason:         "distribution scan 25071F111B-B0001",
		Actor:          "nurse-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, snap.AvailableQuantity)
	assert.Equal(t, adjustRequest{Quantity: 20, Type: "deduct", Reason: "distribution scan 25071F111B-B0001"}, got)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"not found", http.StatusNotFound, `{"success":false,"error":{"code":"NOT_FOUND","message":"batch not found"}}`, errors.ErrNotFound},
		{"insufficient by code", http.StatusBadRequest, `{"success":false,"error":{"code":"INSUFFICIENT_STOCK","message":"not enough"}}`, errors.ErrInsufficientStock},
		{"insufficient by status", http.StatusConflict, ``, errors.ErrInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, logger.Nop())
			_, err := c.AdjustStock(context.Background(), &domain.StockAdjustment{BatchReference: "b", Delta: -1})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), err.Error())
		})
	}

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, time.Second, logger.Nop()).GetBatch(context.Background(), "b")
		require.Error(t, err)
		assert.Equal(t, "INVENTORY_UNAVAILABLE", errors.CodeOf(err))
	})
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	l.SetBatch("batch-1", 1, 0)

	_, err := l.GetBatch(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	snap, err := l.AdjustStock(ctx, &domain.StockAdjustment{BatchReference: "batch-1", Delta: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, snap.AvailableQuantity)

	_, err = l.AdjustStock(ctx, &domain.StockAdjustment{BatchReference: "batch-1", Delta: -1})
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	l.FailAdjustments(errors.Internal("ledger offline"))
	_, err = l.AdjustStock(ctx, &domain.StockAdjustment{BatchReference: "batch-1", Delta: 1})
	assert.True(t, errors.Is(err, errors.ErrInternal))

	assert.Len(t, l.Adjustments(), 1)
	assert.Equal(t, []domain.BatchSnapshot{{BatchReference: "batch-1", AvailableQuantity: 0, UnitSize: 1}}, l.Batches())
}
