package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Code events
	EventCodesGenerated   = "codes.generated"
	EventCodeScanned      = "codes.scanned"
	EventCodeStateChanged = "codes.state.changed"

	// Inventory events consumed by the code service
	EventBatchExpired = "inventory.batch.expired"
)

// Exchange names
const (
	ExchangeCodeEvents      = "code.events"
	ExchangeInventoryEvents = "inventory.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Code Events

// CodesGeneratedEvent is published once per generation request
type CodesGeneratedEvent struct {
	BatchReference string   `json:"batch_reference"`
	Classification string   `json:"classification"`
	IsBulkPackage  bool     `json:"is_bulk_package"`
	SequenceType   string   `json:"sequence_type"`
	Requested      int      `json:"requested"`
	Generated      int      `json:"generated"`
	Failed         int      `json:"failed"`
	Codes          []string `json:"codes"`
	GeneratedBy    string   `json:"generated_by"`
}

// CodeScannedEvent is published after every scan attempt that reached a known code
type CodeScannedEvent struct {
	Code           string `json:"code"`
	BatchReference string `json:"batch_reference,omitempty"`
	Purpose        string `json:"purpose"`
	Outcome        string `json:"outcome"`
	State          string `json:"state,omitempty"`
	StockDelta     int    `json:"stock_delta"`
	ScannedBy      string `json:"scanned_by"`
}

// CodeStateChangedEvent is published when a lifecycle operation moves a code
type CodeStateChangedEvent struct {
	Code           string `json:"code"`
	BatchReference string `json:"batch_reference"`
	From           string `json:"from"`
	To             string `json:"to"`
	ChangedBy      string `json:"changed_by"`
}

// Inventory Events

// BatchExpiredEvent is published by the inventory service when a batch passes its expiry date
type BatchExpiredEvent struct {
	BatchID    string    `json:"batch_id"`
	ItemID     string    `json:"item_id,omitempty"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.New().String()
}
