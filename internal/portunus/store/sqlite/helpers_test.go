package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/BrandonDHaskell/Portunus/gate/internal/db"
	sqlitestore "github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store/sqlite"
)

// openTestDB returns an in-memory SQLite database with the same PRAGMAs and
// schema as production. It is closed when the test finishes.
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	// Shared cache keeps the in-memory database alive while the pool holds
	// its single connection.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	db.Tune(conn)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return sqlx.NewDb(conn, "sqlite")
}

// newTestWriter returns a db.Worker backed by conn, closed when the test
// finishes.
func newTestWriter(t *testing.T, conn *sqlx.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn.DB)
	t.Cleanup(func() { w.Close() })
	return w
}

type stores struct {
	logs      *sqlitestore.LogStore
	devices   *sqlitestore.DeviceStore
	customers *sqlitestore.CustomerStore
	conn      *sqlx.DB
}

func newStores(t *testing.T) stores {
	t.Helper()

	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	ids, err := sqlitestore.NewIDGen(7)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	return stores{
		logs:      sqlitestore.NewLogStore(conn, w, ids),
		devices:   sqlitestore.NewDeviceStore(conn, w, ids),
		customers: sqlitestore.NewCustomerStore(conn, w, ids),
		conn:      conn,
	}
}
