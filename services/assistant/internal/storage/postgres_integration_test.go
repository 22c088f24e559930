package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/AfshinJalili/fintrack/services/assistant/internal/permissions"
	"github.com/AfshinJalili/fintrack/services/assistant/internal/sqlguard"
	"github.com/AfshinJalili/fintrack/services/testutil"
)

func TestStoreIntegration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := New(pool, Options{StatementTimeout: 2 * time.Second, MaxRows: 5})

	userID := fmt.Sprintf("IT%d", time.Now().UnixNano())
	otherID := userID + "-other"
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool, userID, otherID)
	})
	for _, id := range []string{userID, otherID} {
		if err := testutil.SeedUser(ctx, pool, id); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rec, err := store.GetPermissions(ctx, userID)
	if err != nil || rec != permissions.AllowAll() {
		t.Fatalf("expected default-allow record, got %+v (%v)", rec, err)
	}

	no := false
	rec, err = store.UpdatePermissions(ctx, userID, permissions.Update{Investments: &no})
	if err != nil || rec.Investments || !rec.Assets {
		t.Fatalf("unexpected update result %+v (%v)", rec, err)
	}

	if _, err := store.GetPermissions(ctx, "missing-user"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	scoped, err := sqlguard.Check("SELECT COUNT(*) AS n FROM assets", sqlguard.Scope{UserID: userID, Permissions: rec})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	res, err := store.QueryReadOnly(ctx, scoped.SQL, scoped.Args, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0] != "1" {
		t.Fatalf("expected only the caller's asset, got %+v", res.Rows)
	}

	_, err = store.QueryReadOnly(ctx, "DELETE FROM assets", nil, 10)
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected read-only violation, got %v", err)
	}
}
