// Package directory maps extension identifiers to contact addresses.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure Go driver for the default "sqlite" DSNs
)

// Directory answers extension lookups. found is false when the extension has
// no address; that is not an error.
type Directory interface {
	Lookup(ctx context.Context, extension string) (address string, found bool, err error)
	Close() error
}

// Static is an in-memory directory loaded from configuration.
type Static map[string]string

// Lookup returns the configured address for extension.
func (s Static) Lookup(_ context.Context, extension string) (string, bool, error) {
	addr := strings.TrimSpace(s[extension])
	return addr, addr != "", nil
}

// Close is a no-op.
func (Static) Close() error { return nil }

// SQL looks extensions up with a single-placeholder query against a
// database/sql driver.
type SQL struct {
	db    *sql.DB
	query string
}

// OpenSQL opens a directory backed by driver/dsn. query must select one
// address column and take the extension as its only parameter.
func OpenSQL(driver, dsn, query string) (*SQL, error) {
	if strings.Count(query, "?") != 1 {
		return nil, fmt.Errorf("directory query must contain exactly one ? placeholder: %q", query)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping directory database: %w", err)
	}
	return &SQL{db: db, query: query}, nil
}

// Lookup runs the query. No row, NULL and empty string all mean not found.
func (d *SQL) Lookup(ctx context.Context, extension string) (string, bool, error) {
	var addr sql.NullString
	err := d.db.QueryRowContext(ctx, d.query, extension).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup extension %s: %w", extension, err)
	}

	value := strings.TrimSpace(addr.String)
	return value, addr.Valid && value != "", nil
}

// Close closes the database.
func (d *SQL) Close() error {
	return d.db.Close()
}

// Chain consults each directory in order; the first hit wins.
type Chain []Directory

// Lookup returns the first address found. Errors are reported only when no
// directory produced a hit.
func (c Chain) Lookup(ctx context.Context, extension string) (string, bool, error) {
	var errs []error
	for _, d := range c {
		addr, found, err := d.Lookup(ctx, extension)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return addr, true, nil
		}
	}
	return "", false, errors.Join(errs...)
}

// Close closes every directory in the chain.
func (c Chain) Close() error {
	var errs []error
	for _, d := range c {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
