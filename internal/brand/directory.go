// Package brand maps free-text brand names to brand slugs, registering
// unknown brands as unverified.
package brand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/carscope/internal/cache"
	"github.com/kiranshivaraju/carscope/internal/normalize"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// ErrEmptyName is returned for a brand name with no slug.
var ErrEmptyName = errors.New("brand name is empty")

const defaultCacheTTL = 24 * time.Hour

// Directory resolves brand names. Brands are never merged, so a name's slug
// can be cached indefinitely; the TTL only bounds memory.
type Directory struct {
	store store.BrandStore
	cache cache.Cache
	ttl   time.Duration
}

func NewDirectory(s store.BrandStore, c cache.Cache) *Directory {
	return &Directory{store: s, cache: c, ttl: defaultCacheTTL}
}

// ResolveOrCreateUnverified returns the slug for name, creating an
// unverified brand on first sight.
func (d *Directory) ResolveOrCreateUnverified(ctx context.Context, name string) (string, error) {
	display := normalize.Sanitize(name)
	slug := normalize.Slugify(display)
	if slug == "" {
		return "", ErrEmptyName
	}

	key := cache.BrandKey(slug)
	if d.cache != nil {
		if cached, ok, err := d.cache.Get(ctx, key); err != nil {
			slog.Warn("brand cache read failed", "brand", slug, "error", err)
		} else if ok {
			return string(cached), nil
		}
	}

	b, err := d.store.GetBrand(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		b, err = d.store.UpsertBrand(ctx, &models.Brand{Slug: slug, Name: display})
		if err == nil && !b.Verified {
			slog.Info("registered unverified brand", "brand", slug, "name", display)
		}
	}
	if err != nil {
		return "", fmt.Errorf("resolve brand %q: %w", slug, err)
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, []byte(b.Slug), d.ttl); err != nil {
			slog.Warn("brand cache write failed", "brand", slug, "error", err)
		}
	}
	return b.Slug, nil
}
