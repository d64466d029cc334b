// Package normalize turns loosely typed AI output into sanitized, typed
// vehicle attributes. Everything here is pure; no I/O.
package normalize

import (
	"errors"
	"strings"

	"github.com/kiranshivaraju/carscope/pkg/models"
)

// ErrNotParseable is returned when a record lacks the listing identity or
// is not a JSON object at all.
var ErrNotParseable = errors.New("attributes not parseable")

var electricPowerTypes = map[string]bool{
	"electric": true,
	"ev":       true,
	"bev":      true,
}

// Attributes is the normalized bundle for one listing. Nil means the AI did
// not give a usable value.
type Attributes struct {
	Site       string
	ExternalID string

	BrandName        *string
	ModelName        *string
	DetailName       *string
	ManufacturerCode *string
	PowerType        *string
	BodyType         *string
	Transmission     *string
	Color            *string
	ColorHints       []string

	EngineCC        *int
	PowerKW         *int
	Gears           *int
	MileageEstimate *int
	BatteryKWh      *float64

	OutputBucket         *int
	ModelNameSlug        *string
	ManufacturerCodeSlug *string
}

// Ref returns the listing identity the attributes belong to.
func (a *Attributes) Ref() models.ListingRef {
	return models.ListingRef{Site: a.Site, ExternalID: a.ExternalID}
}

// IsElectric reports whether power type selects power output rather than
// displacement as the bucket source.
func IsElectric(powerType string) bool {
	return electricPowerTypes[powerType]
}

// Normalize applies every cleanup rule to one raw record.
func Normalize(raw RawAttributes) (Attributes, error) {
	a := Attributes{
		Site:       raw.Site.Text(),
		ExternalID: raw.ID.Text(),
	}
	if a.Site == "" || a.ExternalID == "" {
		return a, ErrNotParseable
	}

	a.BrandName = nonEmpty(Sanitize(raw.Brand.Text()))
	a.PowerType = nonEmpty(Category(raw.Power.Text()))
	a.BodyType = nonEmpty(Category(raw.BodyType.Text()))
	a.Transmission = nonEmpty(Category(raw.Transmission.Text()))

	a.EngineCC = positive(ExtractInt(raw.EngineCC.Text()))
	a.PowerKW = positive(ExtractInt(raw.PowerKW.Text()))
	a.Gears = positive(ExtractInt(raw.Gears.Text()))
	a.MileageEstimate = nonNegative(ExtractInt(raw.MileageEstimate.Text()))
	if f := ExtractFloat(raw.BatteryKWh.Text()); f != nil && *f > 0 {
		a.BatteryKWh = f
	}

	source := a.EngineCC
	if a.PowerType != nil && IsElectric(*a.PowerType) {
		source = a.PowerKW
	}
	if source != nil {
		if b := Bucket(*source); b > 0 {
			a.OutputBucket = &b
		}
	}

	modelName := Sanitize(raw.ModelName.Text())
	if a.OutputBucket != nil {
		modelName = StripBucketToken(modelName, *a.OutputBucket)
	}
	detailName := Sanitize(raw.DetailName.Text())
	a.ModelName = nonEmpty(modelName)
	a.DetailName = nonEmpty(detailName)

	code := CleanManufacturerCode(raw.ManufacturerCode.Text(), modelName, detailName)
	a.ManufacturerCode = nonEmpty(code)

	color := Sanitize(raw.Color.Text())
	a.Color = nonEmpty(FirstSegment(color))
	a.ColorHints = Segments(color)

	a.ModelNameSlug = nonEmpty(Slugify(modelName))
	a.ManufacturerCodeSlug = nonEmpty(Slugify(code))

	return a, nil
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func positive(i *int) *int {
	if i == nil || *i <= 0 {
		return nil
	}
	return i
}

func nonNegative(i *int) *int {
	if i == nil || *i < 0 {
		return nil
	}
	return i
}
