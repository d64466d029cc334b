package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ModelKey is the canonical identity of a Model. Every field except the
// brand may be nil; nil participates in uniqueness like any other value.
type ModelKey struct {
	BrandSlug            string  `json:"brand_slug"`
	ModelNameSlug        string  `json:"model_name_slug"`
	ManufacturerCodeSlug *string `json:"manufacturer_code_slug,omitempty"`
	OutputBucket         *int    `json:"output_bucket,omitempty"`
	PowerType            *string `json:"power_type,omitempty"`
	BodyType             *string `json:"body_type,omitempty"`
}

// Model is one canonical brand+variant+spec combination that many listings
// may reference. MergedInto, when set, points at the surviving root Model.
type Model struct {
	ID uuid.UUID `db:"id" json:"id"`
	ModelKey

	DisplayName      string          `db:"display_name"      json:"display_name"`
	DetailName       *string         `db:"detail_name"       json:"detail_name,omitempty"`
	ManufacturerCode *string         `db:"manufacturer_code" json:"manufacturer_code,omitempty"`
	Transmission     *string         `db:"transmission"      json:"transmission,omitempty"`
	Gears            *int            `db:"gears"             json:"gears,omitempty"`
	EngineCC         *int            `db:"engine_cc"         json:"engine_cc,omitempty"`
	PowerKW          *int            `db:"power_kw"          json:"power_kw,omitempty"`
	BatteryKWh       *float64        `db:"battery_kwh"       json:"battery_kwh,omitempty"`
	ColorHints       []string        `db:"color_hints"       json:"color_hints"`
	RawPayload       json.RawMessage `db:"raw_payload"       json:"raw_payload,omitempty"`
	MergedInto       *uuid.UUID      `db:"merged_into"       json:"merged_into,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsRoot reports whether the model has not been merged away.
func (m *Model) IsRoot() bool {
	return m.MergedInto == nil
}
