package handler_test

import (
	"context"
	"testing"

	"basegraph.app/analysisd/core/config"
	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/store"
	"github.com/gin-gonic/gin"
)

// newTestStores opens a fresh in-memory sqlite database and bootstraps the
// schema, giving each test its own isolated set of tables.
func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(ctx, config.DBConfig{DSN: "sqlite://:memory:"})
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return store.New(database)
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// noopEnqueuer satisfies jobmanager.Enqueuer without driving any real
// execution, so handler tests can exercise the HTTP→manager wiring without
// needing a full chain/phase/workflow runner stack.
type noopEnqueuer struct {
	calls int
}

func (e *noopEnqueuer) Enqueue(_ context.Context, _ string, _ bool) error {
	e.calls++
	return nil
}
