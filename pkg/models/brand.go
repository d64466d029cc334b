package models

import "time"

// Brand is an entry in the brand directory. Brands first seen in AI output
// are created unverified and curated later by an operator.
type Brand struct {
	Slug      string    `db:"slug"       json:"slug"`
	Name      string    `db:"name"       json:"name"`
	Verified  bool      `db:"verified"   json:"verified"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
