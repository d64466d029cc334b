package normalize

import (
	"regexp"
	"strings"
)

var (
	reParens      = regexp.MustCompile(`\([^()]*\)`)
	reWhitespace  = regexp.MustCompile(`\s+`)
	reNonAlnum    = regexp.MustCompile(`[^a-z0-9]+`)
	reSegmentSep  = regexp.MustCompile(`[,/;]`)
	unknownValues = map[string]bool{
		"unknown": true,
		"n/a":     true,
		"na":      true,
		"null":    true,
		"none":    true,
		"-":       true,
	}
)

// maxPlainCodeLen is the longest manufacturer code accepted when it
// contains a space.
const maxPlainCodeLen = 12

func stripParens(s string) string {
	for {
		next := reParens.ReplaceAllString(s, " ")
		if next == s {
			return s
		}
		s = next
	}
}

// Sanitize strips parenthetical content, collapses internal whitespace and
// trims. Placeholder answers such as "unknown" or "N/A" become "".
func Sanitize(s string) string {
	s = stripParens(s)
	s = reWhitespace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if unknownValues[strings.ToLower(s)] {
		return ""
	}
	return s
}

// Slugify lowercases s and replaces every run of non-alphanumeric
// characters with one hyphen. "" means no slug.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = reNonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// FirstSegment returns the lowercased first comma, slash or semicolon
// delimited segment. "sedan, 4dr" → "sedan".
func FirstSegment(s string) string {
	seg := reSegmentSep.Split(s, 2)[0]
	return strings.ToLower(strings.TrimSpace(seg))
}

// Category sanitizes a free-text category such as body or power type and
// keeps only its first segment. "Sedan (4dr)" → "sedan".
func Category(s string) string {
	return FirstSegment(Sanitize(s))
}

// Segments splits s on the segment separators, lowercasing and dropping
// empty parts.
func Segments(s string) []string {
	var out []string
	for _, p := range reSegmentSep.Split(s, -1) {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CleanManufacturerCode discards codes that are really echoes of something
// else: empty, containing "unknown", equal to the model or detail name, or a
// long phrase with spaces.
func CleanManufacturerCode(code, modelName, detailName string) string {
	code = Sanitize(code)
	if code == "" {
		return ""
	}
	if strings.Contains(strings.ToLower(code), "unknown") {
		return ""
	}
	slug := Slugify(code)
	if slug == "" {
		return ""
	}
	if slug == Slugify(modelName) || slug == Slugify(detailName) {
		return ""
	}
	if len(code) > maxPlainCodeLen && strings.Contains(code, " ") {
		return ""
	}
	return code
}

// StripBucketToken removes whitespace-delimited tokens that restate the
// output bucket in litres, e.g. "2.0t" or "2.0L" for bucket 2000.
// "320i 2.0t" → "320i".
func StripBucketToken(name string, bucket int) string {
	dec := BucketDecimal(bucket)
	fields := strings.Fields(name)
	kept := fields[:0]
	for _, f := range fields {
		if isBucketToken(strings.ToLower(f), dec) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func isBucketToken(tok, dec string) bool {
	rest, ok := strings.CutPrefix(tok, dec)
	if !ok {
		return false
	}
	for _, r := range rest {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
