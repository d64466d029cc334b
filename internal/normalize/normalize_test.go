package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_ScrapedBMW(t *testing.T) {
	raw, err := ParseRaw([]byte(`{"site":"28car","id":"s123","brand":"BMW","model_name":"320i 2.0t","engine_cc":"1998cc","power":"Petrol","body_type":"Sedan (4dr)"}`))
	require.NoError(t, err)

	a, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "28car", a.Site)
	assert.Equal(t, "s123", a.ExternalID)
	require.NotNil(t, a.BrandName)
	assert.Equal(t, "BMW", *a.BrandName)
	require.NotNil(t, a.BodyType)
	assert.Equal(t, "sedan", *a.BodyType)
	require.NotNil(t, a.PowerType)
	assert.Equal(t, "petrol", *a.PowerType)
	require.NotNil(t, a.EngineCC)
	assert.Equal(t, 1998, *a.EngineCC)
	require.NotNil(t, a.OutputBucket)
	assert.Equal(t, 2000, *a.OutputBucket)
	require.NotNil(t, a.ModelName)
	assert.Equal(t, "320i", *a.ModelName)
	require.NotNil(t, a.ModelNameSlug)
	assert.Equal(t, "320i", *a.ModelNameSlug)
	assert.Nil(t, a.ManufacturerCode)
	assert.Nil(t, a.ManufacturerCodeSlug)
}

func TestNormalize_ElectricBucketsOnPower(t *testing.T) {
	a, err := Normalize(RawAttributes{
		Site:       F("carousell"),
		ID:         F("77"),
		Brand:      F("Tesla"),
		ModelName:  F("Model 3"),
		EngineCC:   F("0"),
		PowerKW:    F("208 kW"),
		BatteryKWh: F("57.5kWh"),
		Power:      F("Electric / AWD"),
	})
	require.NoError(t, err)

	require.NotNil(t, a.OutputBucket)
	assert.Equal(t, 200, *a.OutputBucket)
	assert.Nil(t, a.EngineCC)
	require.NotNil(t, a.BatteryKWh)
	assert.Equal(t, 57.5, *a.BatteryKWh)
	assert.Equal(t, "model-3", *a.ModelNameSlug)
}

func TestNormalize_CombustionWithoutDisplacementHasNoBucket(t *testing.T) {
	a, err := Normalize(RawAttributes{
		Site:      F("s"),
		ID:        F("1"),
		ModelName: F("Corolla"),
		PowerKW:   F("90"),
		Power:     F("hybrid"),
	})
	require.NoError(t, err)
	assert.Nil(t, a.OutputBucket)
}

func TestNormalize_SameCarDifferentGuessesShareKeyFields(t *testing.T) {
	first, err := Normalize(RawAttributes{
		Site: F("a"), ID: F("1"), Brand: F("BMW"), ModelName: F("320i"),
		EngineCC: F("1998"), Power: F("Petrol"), BodyType: F("Sedan (4dr)"),
	})
	require.NoError(t, err)
	second, err := Normalize(RawAttributes{
		Site: F("b"), ID: F("2"), Brand: F("bmw"), ModelName: F("320i 2.0T"),
		EngineCC: F("2,000 cc"), Power: F("petrol, unleaded"), BodyType: F("sedan"),
	})
	require.NoError(t, err)

	assert.Equal(t, *first.ModelNameSlug, *second.ModelNameSlug)
	assert.Equal(t, *first.OutputBucket, *second.OutputBucket)
	assert.Equal(t, *first.PowerType, *second.PowerType)
	assert.Equal(t, *first.BodyType, *second.BodyType)
}

func TestNormalize_ManufacturerCodeEchoesModelName(t *testing.T) {
	a, err := Normalize(RawAttributes{
		Site: F("s"), ID: F("1"), ModelName: F("Civic"), ManufacturerCode: F("CIVIC"),
	})
	require.NoError(t, err)
	assert.Nil(t, a.ManufacturerCode)
	assert.Nil(t, a.ManufacturerCodeSlug)
}

func TestNormalize_ColorAndMileage(t *testing.T) {
	a, err := Normalize(RawAttributes{
		Site: F("s"), ID: F("1"),
		Color:           F("Pearl White (metallic) / Black roof"),
		MileageEstimate: F("about 45,000 km"),
		Gears:           F(`6`),
	})
	require.NoError(t, err)

	require.NotNil(t, a.Color)
	assert.Equal(t, "pearl white", *a.Color)
	assert.Equal(t, []string{"pearl white", "black roof"}, a.ColorHints)
	require.NotNil(t, a.MileageEstimate)
	assert.Equal(t, 45000, *a.MileageEstimate)
	require.NotNil(t, a.Gears)
	assert.Equal(t, 6, *a.Gears)
}

func TestNormalize_MissingIdentity(t *testing.T) {
	tests := []struct {
		name string
		raw  RawAttributes
	}{
		{name: "no site", raw: RawAttributes{ID: F("1"), Brand: F("BMW")}},
		{name: "no id", raw: RawAttributes{Site: F("28car"), Brand: F("BMW")}},
		{name: "blank site", raw: RawAttributes{Site: F("   "), ID: F("1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			assert.True(t, errors.Is(err, ErrNotParseable))
		})
	}
}

func TestParseRaw_FlexibleScalars(t *testing.T) {
	raw, err := ParseRaw([]byte(`{"site":"s","id":123,"engine_cc":1998,"gears":null,"power":true,"color":{"a":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "123", raw.ID.Text())
	assert.Equal(t, "1998", raw.EngineCC.Text())
	assert.False(t, raw.Gears.Valid)
	assert.Equal(t, "true", raw.Power.Text())
	assert.False(t, raw.Color.Valid)
}

func TestParseRaw_CodeFence(t *testing.T) {
	raw, err := ParseRaw([]byte("```json\n{\"site\":\"s\",\"id\":\"1\"}\n```"))
	require.NoError(t, err)
	assert.Equal(t, "s", raw.Site.Text())
}

func TestParseRaw_Malformed(t *testing.T) {
	for _, in := range []string{``, `not json`, `[1,2]`, `{"site":`} {
		_, err := ParseRaw([]byte(in))
		assert.ErrorIs(t, err, ErrNotParseable, "input %q", in)
	}
}

func TestExtractObject(t *testing.T) {
	obj, err := ExtractObject([]byte("  ```\n{\"site\":\"s\"}\n```  "))
	require.NoError(t, err)
	assert.JSONEq(t, `{"site":"s"}`, string(obj))

	_, err = ExtractObject([]byte(`{"site":`))
	assert.ErrorIs(t, err, ErrNotParseable)
}

func TestExtractObject_DropsNULCharacters(t *testing.T) {
	obj, err := ExtractObject([]byte(`{"brand":"BM\u0000W","engine_cc":1998.0,"tags":["a\u0000"],"k\u0000ey":{"x":"\u0000"}}`))
	require.NoError(t, err)

	assert.NotContains(t, string(obj), `\u0000`)
	assert.JSONEq(t, `{"brand":"BMW","engine_cc":1998.0,"tags":["a"],"key":{"x":""}}`, string(obj))
	assert.Contains(t, string(obj), `1998.0`)
}

func TestExtractObject_LeavesCleanPayloadUntouched(t *testing.T) {
	in := `{"brand": "BMW",  "engine_cc": 1998.0}`
	obj, err := ExtractObject([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, in, string(obj))
}

func TestParseRaw_StripsNULFromStrings(t *testing.T) {
	raw, err := ParseRaw([]byte(`{"site":"28car","id":"s1\u0000","brand":"\u0000Toyota"}`))
	require.NoError(t, err)

	assert.Equal(t, "s1", raw.ID.Text())
	assert.Equal(t, "Toyota", raw.Brand.Text())
}
