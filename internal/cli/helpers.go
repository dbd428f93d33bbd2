package cli

import (
	"fmt"

	"github.com/fourpillars/adpilot/internal/store"
)

// withStore opens the database, runs fn, and closes it.
func withStore(fn func(s *store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}
