//go:build integration

package ledger

import (
	"testing"

	"github.com/mbd888/revolve/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeContract(t, func(t *testing.T) Store { return NewPostgresStore(db) })
}
