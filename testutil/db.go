package testutil

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// NewDB opens a sqlmock-backed database handle that is closed when the
// test finishes, with unmet expectations reported as test failures.
func NewDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open stub database: %s", err)
	}

	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet database expectations: %s", err)
		}
		_ = db.Close()
	})

	return db, mock
}
