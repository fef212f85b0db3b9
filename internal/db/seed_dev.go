package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

type SeedCustomer struct {
	ID    string
	Name  string
	Phone string
	Email string
}

type SeedDevOptions struct {
	// Customers replaces the built-in dev customers when non-empty.
	Customers []SeedCustomer
}

var devCustomers = []SeedCustomer{
	{ID: "cus_dev_ana", Name: "Ana Lima", Phone: "(555) 010-2000", Email: "ana@example.com"},
	{ID: "cus_dev_bo", Name: "Bo Park", Phone: "555-999-0000", Email: "bo@example.com"},
	{ID: "cus_dev_cy", Name: "Cy Young", Phone: "010-000-0000", Email: "cy@example.com"},
}

var seedNonDigits = regexp.MustCompile(`\D`)

// SeedDev inserts starter customers so cards can be assigned on a fresh dev
// database. Existing rows are left alone.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	customers := opt.Customers
	if len(customers) == 0 {
		customers = devCustomers
	}

	for _, c := range customers {
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO customers(customer_id, name, phone, phone_digits, email, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?);`,
			c.ID, c.Name, c.Phone, seedNonDigits.ReplaceAllString(c.Phone, ""), c.Email, now,
		); err != nil {
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}
	return nil
}
