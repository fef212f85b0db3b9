package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	dbpkg "github.com/BrandonDHaskell/Portunus/gate/internal/db"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/store"
	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

// customerLimit caps FindCustomers results.
const customerLimit = 50

type CustomerStore struct {
	db     *sqlx.DB
	writer *dbpkg.Worker
	ids    *IDGen
}

var _ store.CustomerStore = (*CustomerStore)(nil)

func NewCustomerStore(db *sqlx.DB, writer *dbpkg.Worker, ids *IDGen) *CustomerStore {
	if ids == nil {
		ids = defaultIDs()
	}
	return &CustomerStore{db: db, writer: writer, ids: ids}
}

// FindCustomers does a loose contains-match on name, email and phone
// digits. Exact resolution is the caller's job.
func (s *CustomerStore) FindCustomers(ctx context.Context, query string) ([]types.Customer, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	pat := containsPattern(q)

	digits := types.PhoneDigits(q)

	var rows []customerRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT customer_id, name, phone, email
FROM customers
WHERE (? <> '' AND phone_digits LIKE ? ESCAPE '\')
   OR lower(email) LIKE ? ESCAPE '\'
   OR lower(name) LIKE ? ESCAPE '\'
ORDER BY created_at_ms ASC, customer_id ASC
LIMIT ?;
`, digits, containsPattern(digits), pat, pat, customerLimit); err != nil {
		return nil, fmt.Errorf("FindCustomers: %w", err)
	}

	out := make([]types.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// CreateCustomer stores c and returns it with its id. A caller-supplied id
// is kept.
func (s *CustomerStore) CreateCustomer(ctx context.Context, c types.Customer) (types.Customer, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return types.Customer{}, fmt.Errorf("create customer: name is required")
	}
	if c.ID == "" {
		c.ID = s.ids.CustomerID()
	}
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO customers(customer_id, name, phone, phone_digits, email, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?);
`, c.ID, c.Name, c.Phone, types.PhoneDigits(c.Phone), c.Email, time.Now().UTC().UnixMilli())
		if isUniqueViolation(err) {
			return fmt.Errorf("create customer %s: %w", c.ID, store.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("CreateCustomer insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Customer{}, err
	}
	return c, nil
}
