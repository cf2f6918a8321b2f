package listing

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresCatalog reads listings from PostgreSQL. Packages and extras are
// stored as JSONB columns on the listing row; the catalog is written by
// the listings CRUD surface, which is outside this core.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a new PostgreSQL-backed catalog.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (p *PostgresCatalog) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, currency, active, vacation_mode, packages, extras
		FROM listings
		WHERE id = $1`, id)

	l := &Listing{}
	var packagesJSON, extrasJSON []byte
	err := row.Scan(&l.ID, &l.SellerID, &l.Title, &l.Currency,
		&l.Active, &l.VacationMode, &packagesJSON, &extrasJSON)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(packagesJSON) > 0 {
		if err := json.Unmarshal(packagesJSON, &l.Packages); err != nil {
			return nil, err
		}
	}
	if len(extrasJSON) > 0 {
		if err := json.Unmarshal(extrasJSON, &l.Extras); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Compile-time assertion that PostgresCatalog implements Catalog.
var _ Catalog = (*PostgresCatalog)(nil)
