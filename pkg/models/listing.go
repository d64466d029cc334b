// Package models contains shared data models used across the carscope codebase.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ResolutionUnresolved = "unresolved"
	ResolutionResolved   = "resolved"
	ResolutionFailed     = "failed"
)

// ErrInvalidCorrelationID is returned when a correlation id cannot be split
// back into a listing identity.
var ErrInvalidCorrelationID = errors.New("invalid correlation id")

// ListingRef identifies a Listing by its composite key.
type ListingRef struct {
	Site       string `json:"site"`
	ExternalID string `json:"external_id"`
}

// CorrelationID is the opaque id sent with every enrichment request so the
// result line can be matched back to its listing.
func (r ListingRef) CorrelationID() string {
	return r.Site + ":" + r.ExternalID
}

func (r ListingRef) String() string {
	return r.CorrelationID()
}

// ParseCorrelationID splits "<site>:<external_id>". The site never contains
// a colon; the external id may.
func ParseCorrelationID(id string) (ListingRef, error) {
	site, ext, ok := strings.Cut(id, ":")
	if !ok || site == "" || ext == "" {
		return ListingRef{}, ErrInvalidCorrelationID
	}
	return ListingRef{Site: site, ExternalID: ext}, nil
}

// Listing is one scraped vehicle advertisement. Raw fields come from the
// scraper and are never modified here; derived fields are written once by
// the linker.
type Listing struct {
	Site        string   `db:"site"        json:"site"`
	ExternalID  string   `db:"external_id" json:"external_id"`
	BrandText   *string  `db:"brand_text"  json:"brand_text,omitempty"`
	ModelText   *string  `db:"model_text"  json:"model_text,omitempty"`
	Title       *string  `db:"title"       json:"title,omitempty"`
	Description *string  `db:"description" json:"description,omitempty"`
	Year        *int     `db:"year"        json:"year,omitempty"`
	Price       *int64   `db:"price"       json:"price,omitempty"`
	Mileage     *int     `db:"mileage"     json:"mileage,omitempty"`
	Photos      []string `db:"photos"      json:"photos"`

	ModelID          *uuid.UUID `db:"model_id"          json:"model_id,omitempty"`
	ResolutionStatus string     `db:"resolution_status" json:"resolution_status"`
	FailureReason    *string    `db:"failure_reason"    json:"failure_reason,omitempty"`
	Color            *string    `db:"color"             json:"color,omitempty"`
	AIMileage        *int       `db:"ai_mileage"        json:"ai_mileage,omitempty"`
	ResolvedAt       *time.Time `db:"resolved_at"       json:"resolved_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Ref returns the listing identity.
func (l *Listing) Ref() ListingRef {
	return ListingRef{Site: l.Site, ExternalID: l.ExternalID}
}
