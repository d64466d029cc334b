package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var reNumber = regexp.MustCompile(`[-+]?(?:\d+(?:\.\d*)?|\.\d+)`)

// ExtractFloat returns the first number found in s after parenthetical
// annotations and thousands separators are removed.
// "2,300cc" → 2300, "9.56kW" → 9.56. Non-numeric or empty input yields nil.
func ExtractFloat(s string) *float64 {
	s = stripParens(s)
	s = strings.ReplaceAll(s, ",", "")
	m := reNumber.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// ExtractInt is ExtractFloat truncated toward zero. "9.56kW" → 9.
func ExtractInt(s string) *int {
	f := ExtractFloat(s)
	if f == nil || math.Abs(*f) > math.MaxInt32 {
		return nil
	}
	i := int(*f)
	return &i
}

// Bucket rounds v to the nearest hundred, halves away from zero.
// 1980 → 2000, 1949 → 1900, 1950 → 2000.
func Bucket(v int) int {
	return int(math.Round(float64(v)/100) * 100)
}

// BucketDecimal is the litre-style form of a bucket: 2000 → "2.0".
func BucketDecimal(bucket int) string {
	return strconv.FormatFloat(float64(bucket)/1000, 'f', 1, 64)
}
