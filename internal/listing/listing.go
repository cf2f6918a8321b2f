// Package listing exposes read-only access to service listings and their
// package/extra definitions. The order engine consumes this data when
// pricing a new order; it never mutates it.
package listing

import (
	"context"
	"errors"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrPackageNotFound = errors.New("package not found on listing")
	ErrExtraNotFound   = errors.New("extra not found on listing")
)

// Package is a priced tier of a listing (e.g. basic / standard / premium).
type Package struct {
	Name         string `json:"name"`
	PriceCents   int64  `json:"priceCents"`
	DeliveryDays int    `json:"deliveryDays"`
	Revisions    int    `json:"revisions"` // >= 999 means unlimited
	Description  string `json:"description,omitempty"`
}

// Extra is an optional add-on with its own price and delivery impact.
type Extra struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	PriceCents           int64  `json:"priceCents"`
	DeliveryDaysModifier int    `json:"deliveryDaysModifier"`
}

// Listing is a seller's published service offering.
type Listing struct {
	ID           string    `json:"id"`
	SellerID     string    `json:"sellerId"`
	Title        string    `json:"title"`
	Currency     string    `json:"currency"`
	Active       bool      `json:"active"`
	VacationMode bool      `json:"vacationMode"`
	Packages     []Package `json:"packages"`
	Extras       []Extra   `json:"extras,omitempty"`
}

// FindPackage returns the named package, or ErrPackageNotFound.
func (l *Listing) FindPackage(name string) (*Package, error) {
	for i := range l.Packages {
		if l.Packages[i].Name == name {
			return &l.Packages[i], nil
		}
	}
	return nil, ErrPackageNotFound
}

// FindExtra returns the extra with the given ID, or ErrExtraNotFound.
func (l *Listing) FindExtra(id string) (*Extra, error) {
	for i := range l.Extras {
		if l.Extras[i].ID == id {
			return &l.Extras[i], nil
		}
	}
	return nil, ErrExtraNotFound
}

// Catalog is the read-only listing lookup the order engine depends on.
type Catalog interface {
	GetListing(ctx context.Context, id string) (*Listing, error)
}
