//go:build integration

package joblock

import (
	"testing"

	"github.com/mbd888/shortlet/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, true, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}
