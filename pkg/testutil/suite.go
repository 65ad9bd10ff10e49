package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/medflow/medcode/pkg/database"
	"github.com/medflow/medcode/pkg/logger"
)

var (
	// Global test container (shared across all integration tests)
	globalContainer *PostgresContainer
	containerOnce   sync.Once
	containerErr    error
)

// codeTables lists every table the migrations create, children first.
var codeTables = []string{"scan_logs", "codes", "sequence_counters", "master_entries"}

// IntegrationSuite provides a migrated PostgreSQL database for integration tests
type IntegrationSuite struct {
	Container *PostgresContainer
	DB        *database.DB
	Fixtures  *FixtureFactory
	Logger    *logger.Logger
}

// NewIntegrationSuite starts (or reuses) the shared container and applies the schema
// migrations. Tests in the package share the database, so each test should call Reset.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    testutil.SkipIfShort(t)
//	    suite := testutil.NewIntegrationSuite(t)
//	    suite.Reset(t)
//	    repo := repository.NewCodeRepository(suite.DB)
//	}
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	t.Helper()

	container, err := getOrCreateContainer(context.Background())
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}

	log := logger.Nop()
	db, err := database.NewWithDSN(container.DSN, log)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return &IntegrationSuite{
		Container: container,
		DB:        db,
		Fixtures:  NewFixtureFactory(),
		Logger:    log,
	}
}

// getOrCreateContainer returns the shared test container
func getOrCreateContainer(ctx context.Context) (*PostgresContainer, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
	})
	return globalContainer, containerErr
}

// Reset empties every code table
func (s *IntegrationSuite) Reset(t *testing.T) {
	t.Helper()
	for _, table := range codeTables {
		if _, err := s.DB.ExecContext(context.Background(), fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}

// TerminateContainer terminates the shared container.
// Call it from TestMain once every test in the package has run.
func TerminateContainer(ctx context.Context) {
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}
