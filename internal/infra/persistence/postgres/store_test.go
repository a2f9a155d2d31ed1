package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"pharmachain/internal/infra/persistence/postgres/testutil"
	"pharmachain/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn, *sql.DB) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn, db
}

func createProduct(ctx context.Context, store *Store, sku string) (domain.Product, error) {
	var created domain.Product
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateProduct(domain.Product{SKU: sku, Name: sku})
		if err != nil {
			return err
		}
		return tx.RecordAudit(domain.AuditLogEntry{Operation: "create_product", Action: domain.ActionCreate, Table: domain.EntityProduct, RecordID: created.ID})
	})
	return created, err
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn, _ := openStub(t)
	var tables int
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			tables++
		}
	}
	if tables != 2 {
		t.Fatalf("expected state and audit tables, got execs: %v", conn.Execs)
	}
}

func TestRunInTransactionPersistsTouchedBucketsAndAudit(t *testing.T) {
	store, conn, _ := openStub(t)
	ctx := context.Background()
	product, err := createProduct(ctx, store, "PR-100")
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	state := conn.Rows("state")
	if len(state) != 1 || state[0]["bucket"] != string(domain.EntityProduct) {
		t.Fatalf("expected only the products bucket persisted, got %v", state)
	}
	audit := conn.Rows("audit_logs")
	if len(audit) != 1 || audit[0]["record_id"] != product.ID || audit[0]["operation"] != "create_product" {
		t.Fatalf("expected audit row for product, got %v", audit)
	}
}

func TestNewStoreHydratesFromRows(t *testing.T) {
	store, conn, db := openStub(t)
	ctx := context.Background()
	product, err := createProduct(ctx, store, "PR-100")
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if len(conn.Rows("state")) == 0 {
		t.Fatalf("expected persisted state")
	}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	reloaded, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	var found domain.Product
	_ = reloaded.View(ctx, func(v domain.TransactionView) error {
		found, _ = v.FindProduct(product.ID)
		return nil
	})
	if found.SKU != "PR-100" {
		t.Fatalf("expected hydrated product, got %+v", found)
	}
	if logs := reloaded.ListAuditLogs(domain.AuditFilter{}); len(logs) != 1 || logs[0].Sequence != 1 {
		t.Fatalf("expected hydrated audit log, got %+v", logs)
	}
}

func TestPersistFailureAbortsCommit(t *testing.T) {
	cases := map[string]func(*testutil.StubConn){
		"begin":  func(c *testutil.StubConn) { c.FailBegin = true },
		"state":  func(c *testutil.StubConn) { c.FailTables = map[string]bool{"state": true} },
		"audit":  func(c *testutil.StubConn) { c.FailTables = map[string]bool{"audit_logs": true} },
		"commit": func(c *testutil.StubConn) { c.FailCommit = true },
	}
	for name, arm := range cases {
		t.Run(name, func(t *testing.T) {
			store, conn, _ := openStub(t)
			arm(conn)
			if _, err := createProduct(context.Background(), store, "PR-1"); err == nil {
				t.Fatalf("expected persistence failure")
			}
			if n := len(store.ExportState().Products); n != 0 {
				t.Fatalf("expected aborted commit to leave memory untouched, got %d products", n)
			}
			if n := len(conn.Rows("audit_logs")); n != 0 {
				t.Fatalf("expected no audit rows, got %d", n)
			}
		})
	}
}

func TestNewStoreErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	if _, err := NewStore("", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("", nil); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
	conn.FailPing = false
	conn.FailTables = map[string]bool{"state": true}
	if _, err := NewStore("", nil); err == nil || !strings.Contains(err.Error(), "select state") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestLoadSnapshotRejectsUnknownBucket(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.Tables["state"] = []map[string]any{{"bucket": "widgets", "payload": []byte(`{}`)}}
	if _, err := loadSnapshot(context.Background(), db); err == nil {
		t.Fatalf("expected unknown bucket error")
	}
}
