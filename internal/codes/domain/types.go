package domain

import (
	"fmt"
	"time"
)

// SequenceType selects how a sequence value is rendered into the 4-character token.
type SequenceType string

const (
	SequenceNumeric     SequenceType = "NUMERIC"
	SequenceAlphaSuffix SequenceType = "ALPHA_SUFFIX"
	SequenceAlphaPrefix SequenceType = "ALPHA_PREFIX"
)

// SequenceTypes lists every supported scheme.
var SequenceTypes = []SequenceType{SequenceNumeric, SequenceAlphaSuffix, SequenceAlphaPrefix}

// Valid reports whether t is a known scheme.
func (t SequenceType) Valid() bool {
	switch t {
	case SequenceNumeric, SequenceAlphaSuffix, SequenceAlphaPrefix:
		return true
	}
	return false
}

// CounterStatus is the lifecycle status of a sequence bucket.
type CounterStatus string

const (
	CounterActive    CounterStatus = "ACTIVE"
	CounterExhausted CounterStatus = "EXHAUSTED"
	CounterInactive  CounterStatus = "INACTIVE"
)

// CodeState is the lifecycle state of a generated code.
type CodeState string

const (
	StateGenerated   CodeState = "GENERATED"
	StatePrinted     CodeState = "PRINTED"
	StateDistributed CodeState = "DISTRIBUTED"
	StateScanned     CodeState = "SCANNED"
	StateUsed        CodeState = "USED"
	StateExpired     CodeState = "EXPIRED"
	StateInvalid     CodeState = "INVALID"
)

// IsTerminal reports whether no stock-affecting operation may touch the code anymore.
func (s CodeState) IsTerminal() bool {
	return s == StateUsed || s == StateExpired || s == StateInvalid
}

// ScanPurpose is the declared intent of a scan.
type ScanPurpose string

const (
	PurposeDistribution   ScanPurpose = "DISTRIBUTION"
	PurposeVerification   ScanPurpose = "VERIFICATION"
	PurposeInventoryCheck ScanPurpose = "INVENTORY_CHECK"
	PurposeAudit          ScanPurpose = "AUDIT"
	PurposeReceipt        ScanPurpose = "RECEIPT"
)

// ScanOutcome is recorded on every scan log entry.
type ScanOutcome string

const (
	OutcomeSuccess       ScanOutcome = "SUCCESS"
	OutcomeInvalidFormat ScanOutcome = "INVALID_FORMAT"
	OutcomeNotFound      ScanOutcome = "NOT_FOUND"
	OutcomeAlreadyUsed   ScanOutcome = "ALREADY_USED"
	OutcomeExpired       ScanOutcome = "EXPIRED"
	OutcomeError         ScanOutcome = "ERROR"
)

// MedicineTypes is the closed set of medicine type letters accepted in a classification.
var MedicineTypes = map[byte]string{
	'A': "Antibiotic",
	'B': "Biological",
	'C': "Chemical / disinfectant",
	'F': "Feed additive",
	'H': "Hormone",
	'P': "Parasiticide",
	'S': "Supplement / vitamin",
	'V': "Vaccine",
}

// ClassificationKey identifies a master registry entry and, together with a period and
// sequence type, a sequence bucket. PackageType is empty for individual codes.
type ClassificationKey struct {
	FundingSource    string `db:"funding_source" json:"funding_source"`
	MedicineType     string `db:"medicine_type" json:"medicine_type"`
	ActiveIngredient string `db:"active_ingredient" json:"active_ingredient"`
	Producer         string `db:"producer" json:"producer"`
	PackageType      string `db:"package_type" json:"package_type,omitempty"`
}

// IsBulk reports whether the key carries a package type.
func (k ClassificationKey) IsBulk() bool {
	return k.PackageType != ""
}

// String renders the classification segment, e.g. "1F111B" or "1F111B-K".
func (k ClassificationKey) String() string {
	s := k.FundingSource + k.MedicineType + k.ActiveIngredient + k.Producer
	if k.PackageType != "" {
		s += "-" + k.PackageType
	}
	return s
}

// WithPackageType returns a copy of k carrying the given package type.
func (k ClassificationKey) WithPackageType(packageType string) ClassificationKey {
	k.PackageType = packageType
	return k
}

// Period is a (2-digit year, month) allocation window.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// PeriodOf returns the period a timestamp falls into.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year() % 100, Month: int(t.Month())}
}

func (p Period) String() string {
	return fmt.Sprintf("%02d%02d", p.Year, p.Month)
}

// Valid reports whether the period is representable in a code.
func (p Period) Valid() bool {
	return p.Year >= 0 && p.Year <= 99 && p.Month >= 1 && p.Month <= 12
}

// Bucket is the unit over which sequence values are allocated independently.
type Bucket struct {
	Period
	Key          ClassificationKey
	SequenceType SequenceType
}

// String returns a stable identifier suitable for lock names and log fields.
func (b Bucket) String() string {
	return fmt.Sprintf("%s:%s:%s", b.Period, b.Key, b.SequenceType)
}

// MasterEntry maps a classification key to display names.
type MasterEntry struct {
	ID string `db:"id" json:"id"`
	ClassificationKey
	FundingSourceName    string     `db:"funding_source_name" json:"funding_source_name"`
	MedicineTypeName     string     `db:"medicine_type_name" json:"medicine_type_name"`
	ActiveIngredientName string     `db:"active_ingredient_name" json:"active_ingredient_name"`
	ProducerName         string     `db:"producer_name" json:"producer_name"`
	PackageTypeName      *string    `db:"package_type_name" json:"package_type_name,omitempty"`
	IsActive             bool       `db:"is_active" json:"is_active"`
	CreatedBy            string     `db:"created_by" json:"created_by"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
	DeactivatedAt        *time.Time `db:"deactivated_at" json:"deactivated_at,omitempty"`
}

// MasterNames carries the display names used to auto-create a master entry.
type MasterNames struct {
	FundingSource    string `json:"funding_source" validate:"required"`
	MedicineType     string `json:"medicine_type" validate:"required"`
	ActiveIngredient string `json:"active_ingredient" validate:"required"`
	Producer         string `json:"producer" validate:"required"`
	PackageType      string `json:"package_type,omitempty"`
}

// SequenceCounter holds the last issued value of a bucket.
type SequenceCounter struct {
	ID    string `db:"id" json:"id"`
	Year  int    `db:"year" json:"year"`
	Month int    `db:"month" json:"month"`
	ClassificationKey
	SequenceType SequenceType  `db:"sequence_type" json:"sequence_type"`
	CurrentValue int           `db:"current_value" json:"current_value"`
	TotalIssued  int64         `db:"total_issued" json:"total_issued"`
	Status       CounterStatus `db:"status" json:"status"`
	Version      int64         `db:"version" json:"version"`
	LastIssuedAt *time.Time    `db:"last_issued_at" json:"last_issued_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// Bucket returns the bucket the counter belongs to.
func (c *SequenceCounter) Bucket() Bucket {
	return Bucket{
		Period:       Period{Year: c.Year, Month: c.Month},
		Key:          c.ClassificationKey,
		SequenceType: c.SequenceType,
	}
}

// Code is a generated label code.
type Code struct {
	ID            string `db:"id" json:"id"`
	CodeString    string `db:"code_string" json:"code"`
	IsBulkPackage bool   `db:"is_bulk_package" json:"is_bulk_package"`
	ClassificationKey
	Year           int          `db:"year" json:"year"`
	Month          int          `db:"month" json:"month"`
	SequenceValue  int          `db:"sequence_value" json:"sequence_value"`
	SequenceType   SequenceType `db:"sequence_type" json:"sequence_type"`
	UnitQuantity   int          `db:"unit_quantity" json:"unit_quantity"`
	BatchReference string       `db:"batch_reference" json:"batch_reference"`
	State          CodeState    `db:"state" json:"state"`
	ScanCount      int          `db:"scan_count" json:"scan_count"`
	LastScannedAt  *time.Time   `db:"last_scanned_at" json:"last_scanned_at,omitempty"`
	LastScannedBy  *string      `db:"last_scanned_by" json:"last_scanned_by,omitempty"`
	GeneratedAt    time.Time    `db:"generated_at" json:"generated_at"`
	GeneratedBy    string       `db:"generated_by" json:"generated_by"`
	PrintedAt      *time.Time   `db:"printed_at" json:"printed_at,omitempty"`
	PrintedBy      *string      `db:"printed_by" json:"printed_by,omitempty"`
	DistributedAt  *time.Time   `db:"distributed_at" json:"distributed_at,omitempty"`
	DistributedBy  *string      `db:"distributed_by" json:"distributed_by,omitempty"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// RecordScan refreshes the scan counters.
func (c *Code) RecordScan(by string, at time.Time) {
	c.ScanCount++
	c.LastScannedAt = &at
	c.LastScannedBy = &by
}

// ScanLogEntry is an append-only audit record of one scan attempt.
type ScanLogEntry struct {
	ID             string      `db:"id" json:"id"`
	CodeID         *string     `db:"code_id" json:"code_id,omitempty"`
	CodeString     string      `db:"code_string" json:"code"`
	BatchReference *string     `db:"batch_reference" json:"batch_reference,omitempty"`
	ScannedBy      string      `db:"scanned_by" json:"scanned_by"`
	ScannedAt      time.Time   `db:"scanned_at" json:"scanned_at"`
	Purpose        ScanPurpose `db:"purpose" json:"purpose"`
	Outcome        ScanOutcome `db:"outcome" json:"outcome"`
	Message        *string     `db:"message" json:"message,omitempty"`
	Location       *string     `db:"location" json:"location,omitempty"`
	DeviceInfo     *string     `db:"device_info" json:"device_info,omitempty"`
	StockDelta     int         `db:"stock_delta" json:"stock_delta"`
}

// BatchSnapshot is the inventory collaborator's view of a physical batch.
type BatchSnapshot struct {
	BatchReference    string `json:"batch_reference"`
	AvailableQuantity int    `json:"available_quantity"`
	UnitSize          int    `json:"unit_size"`
}

// StockAdjustment is the inventory side effect a scan requests.
type StockAdjustment struct {
	BatchReference string         `json:"batch_reference"`
	Delta          int            `json:"delta"`
	Reason         string         `json:"reason"`
	Actor          string         `json:"actor"`
	Result         *BatchSnapshot `json:"result,omitempty"`
}

// BatchSummary counts the codes of a batch per state.
type BatchSummary struct {
	BatchReference string            `json:"batch_reference"`
	Total          int               `json:"total"`
	ByState        map[CodeState]int `json:"by_state"`
	Scans          int               `json:"scans"`
}

// MasterFilter narrows registry listings. A nil Active lists every entry.
type MasterFilter struct {
	Active *bool
}
