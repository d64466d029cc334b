package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "parentheses become separators", input: "Sedan (4dr)", expected: "sedan-4dr"},
		{name: "plain words", input: "sedan 4dr", expected: "sedan-4dr"},
		{name: "runs collapse", input: "  C-Class -- AMG!! ", expected: "c-class-amg"},
		{name: "symbols only is empty", input: "!!!", expected: ""},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slugify(tt.input))
		})
	}
}

func TestSlugify_EquivalentSpellingsMatch(t *testing.T) {
	assert.Equal(t, Slugify("Sedan (4dr)"), Slugify("sedan 4dr"))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"320i  (F30)  Sport", "320i Sport"},
		{"Corolla ((nested) note)", "Corolla"},
		{"  padded\ttext \n", "padded text"},
		{"Unknown", ""},
		{"N/A", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Sanitize(tt.input), "input %q", tt.input)
	}
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "sedan", Category("Sedan (4dr)"))
	assert.Equal(t, "sedan", Category("sedan, 4dr"))
	assert.Equal(t, "hatchback", Category("Hatchback / 5dr"))
	assert.Equal(t, "petrol", Category("Petrol; unleaded"))
	assert.Equal(t, "", Category(""))
}

func TestSegments(t *testing.T) {
	assert.Equal(t, []string{"pearl white", "black roof"}, Segments("Pearl White / Black roof"))
	assert.Nil(t, Segments(" , "))
}

func TestCleanManufacturerCode(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		modelName  string
		detailName string
		expected   string
	}{
		{name: "valid code kept", code: "F30", modelName: "320i", expected: "F30"},
		{name: "parenthetical stripped", code: "G20 (LCI)", modelName: "320i", expected: "G20"},
		{name: "empty dropped", code: "  ", modelName: "320i", expected: ""},
		{name: "unknown token dropped", code: "code unknown", modelName: "320i", expected: ""},
		{name: "different slug from model name kept", code: "320-i", modelName: "320i", expected: "320-i"},
		{name: "same slug as model name", code: "320I", modelName: "320i", expected: ""},
		{name: "same slug as detail name", code: "M Sport", modelName: "320i", detailName: "m sport", expected: ""},
		{name: "long phrase with space", code: "third generation sedan", modelName: "320i", expected: ""},
		{name: "long code without space kept", code: "ZVW30-AHXEB1", modelName: "Prius", expected: "ZVW30-AHXEB1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanManufacturerCode(tt.code, tt.modelName, tt.detailName)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestStripBucketToken(t *testing.T) {
	assert.Equal(t, "320i", StripBucketToken("320i 2.0t", 2000))
	assert.Equal(t, "Golf GTI", StripBucketToken("Golf 2.0 GTI", 2000))
	assert.Equal(t, "Civic", StripBucketToken("Civic 1.5L", 1500))
	assert.Equal(t, "Civic 1.5L", StripBucketToken("Civic 1.5L", 2000))
	assert.Equal(t, "A4 2.0-TDI", StripBucketToken("A4 2.0-TDI", 2000))
	assert.Equal(t, "", StripBucketToken("2.0", 2000))
}
