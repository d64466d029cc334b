// Package prompt turns listings into enrichment requests.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/carscope/pkg/models"
)

// SystemPrompt instructs the model to answer with one flat JSON object. The
// field names here are the ones normalize.RawAttributes decodes.
const SystemPrompt = `You identify used vehicles from advertisement text and photos.
Reply with a single JSON object and nothing else, using these keys:
"site", "id" (copy them verbatim from the input),
"brand", "model_name", "detail_name", "manufacturer_code",
"engine_cc" (displacement in cc), "power_kw", "battery_kwh",
"power" (fuel or drive type: petrol, diesel, hybrid, electric),
"body_type", "transmission", "gears", "color", "mileage_estimate".
Use null for anything you cannot determine. Do not guess a manufacturer code.`

const defaultMaxPhotos = 4

// Builder constructs enrichment requests from listings.
// Zero value is ready to use and sends no more than four photos without
// rewriting their hosts.
type Builder struct {
	MaxPhotos int
	Hosts     *HostPicker
}

// Build returns the request for one listing. The correlation id is the
// listing's composite key.
func (b Builder) Build(l *models.Listing) models.EnrichmentRequest {
	return models.EnrichmentRequest{
		CustomID:     l.Ref().CorrelationID(),
		SystemPrompt: SystemPrompt,
		UserText:     b.buildUserText(l),
		ImageURLs:    b.buildImageURLs(l.Photos),
	}
}

func (b Builder) buildUserText(l *models.Listing) string {
	lines := []string{
		"site: " + l.Site,
		"id: " + l.ExternalID,
	}
	lines = appendField(lines, "brand", l.BrandText)
	lines = appendField(lines, "model", l.ModelText)
	lines = appendField(lines, "title", l.Title)
	if l.Year != nil {
		lines = append(lines, "year: "+strconv.Itoa(*l.Year))
	}
	if l.Price != nil {
		lines = append(lines, "price: "+strconv.FormatInt(*l.Price, 10))
	}
	if l.Mileage != nil {
		lines = append(lines, "mileage: "+strconv.Itoa(*l.Mileage))
	}
	lines = appendField(lines, "description", l.Description)
	return strings.Join(lines, "\n")
}

func (b Builder) buildImageURLs(photos []string) []string {
	limit := b.MaxPhotos
	if limit <= 0 {
		limit = defaultMaxPhotos
	}

	urls := make([]string, 0, limit)
	for _, p := range photos {
		if len(urls) == limit {
			break
		}
		u, ok := b.Hosts.Rewrite(p)
		if !ok {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

func appendField(lines []string, name string, v *string) []string {
	if v == nil {
		return lines
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return lines
	}
	return append(lines, fmt.Sprintf("%s: %s", name, s))
}
