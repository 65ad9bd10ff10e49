package testutil

import (
	"fmt"

	"github.com/medflow/medcode/internal/codes/domain"
)

// FixtureFactory creates classification fixtures that do not collide within one test run
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Key returns a valid individual classification key with a fresh active ingredient.
// Options may override any segment.
func (f *FixtureFactory) Key(opts ...func(*domain.ClassificationKey)) domain.ClassificationKey {
	seq := f.nextSeq()

	key := domain.ClassificationKey{
		FundingSource:    "1",
		MedicineType:     "F",
		ActiveIngredient: fmt.Sprintf("%03d", seq%1000),
		Producer:         "B",
	}

	for _, opt := range opts {
		opt(&key)
	}

	return key
}

// WithMedicineType sets the medicine type letter
func WithMedicineType(t string) func(*domain.ClassificationKey) {
	return func(k *domain.ClassificationKey) {
		k.MedicineType = t
	}
}

// WithProducer sets the producer letter
func WithProducer(p string) func(*domain.ClassificationKey) {
	return func(k *domain.ClassificationKey) {
		k.Producer = p
	}
}

// Names returns display names for a master entry
func (f *FixtureFactory) Names() domain.MasterNames {
	seq := f.nextSeq()
	return domain.MasterNames{
		FundingSource:    "Government",
		MedicineType:     "Feed additive",
		ActiveIngredient: fmt.Sprintf("Ingredient %d", seq),
		Producer:         "Test Producer",
	}
}

// BatchRef returns a unique batch reference
func (f *FixtureFactory) BatchRef() string {
	return fmt.Sprintf("BATCH-%04d", f.nextSeq())
}

// ActorID returns a unique user ID for issued_by and scanned_by columns
func (f *FixtureFactory) ActorID() string {
	return fmt.Sprintf("user-%d", f.nextSeq())
}
