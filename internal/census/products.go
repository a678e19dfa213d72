package census

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cendat/internal/filter"
	"cendat/internal/model"
	"cendat/internal/vintage"
)

// catalogDocument is the shape of the top-level data.json listing. Vintage
// arrives as either a number or a string, so it is decoded loosely.
type catalogDocument struct {
	Dataset []catalogEntry `json:"dataset"`
}

type catalogEntry struct {
	Title        string                `json:"title"`
	Description  string                `json:"description"`
	Vintage      any                   `json:"c_vintage"`
	Dataset      []string              `json:"c_dataset"`
	IsMicrodata  bool                  `json:"c_isMicrodata"`
	IsAggregate  bool                  `json:"c_isAggregate"`
	Distribution []catalogDistribution `json:"distribution"`
}

type catalogDistribution struct {
	AccessURL string `json:"accessURL"`
}

// ListProducts lists catalog products, optionally filtered by years and by
// regex patterns over the title. The full catalog is fetched on first use
// and reused for the process lifetime; the post-filter result becomes the
// view a bare SetProducts call pins.
//
// A transport failure is logged and yields an empty listing, not an error;
// an invalid pattern fails the whole call.
func (h *Helper) ListProducts(ctx context.Context, opts ListOptions) ([]model.Product, error) {
	f, err := filter.Compile(opts.Patterns, opts.Mode)
	if err != nil {
		h.log.Error().Err(err).Msg("product filter rejected")
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	catalog, err := h.ensureCatalogLocked(ctx)
	if err != nil {
		h.log.Warn().Err(err).Str("url", h.config.CatalogURL).Msg("catalog fetch failed")
		return nil, nil
	}

	targetYears := opts.Years
	if len(targetYears) == 0 {
		targetYears = h.years
	}

	filtered := make([]model.Product, 0, len(catalog))
	for _, product := range catalog {
		if len(targetYears) > 0 && !model.YearsIntersect(product.VintageYears, targetYears) {
			continue
		}
		if !f.Match(product.Title) {
			continue
		}
		filtered = append(filtered, product)
	}

	h.lastProducts = model.CopyProducts(filtered)
	return model.CopyProducts(filtered), nil
}

// SetProducts pins products into the selection. With no titles it pins the
// last filtered view. With titles, each is resolved against the catalog by
// exact title match (intersected with the set years when present): titles
// that match nothing are skipped with a warning, titles matching several
// vintages contribute all of them. The call fails only if nothing resolves,
// and leaves the selection untouched when it does.
func (h *Helper) SetProducts(ctx context.Context, titles ...string) (*SetResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := &SetResult{}

	if len(titles) == 0 {
		if len(h.lastProducts) == 0 {
			return nil, fmt.Errorf("%w: call ListProducts first", ErrNoFilteredView)
		}
		h.pinProducts(model.CopyProducts(h.lastProducts))
		res.Selected = len(h.products)
		return res, nil
	}

	catalog, err := h.ensureCatalogLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("census: catalog unavailable: %w", err)
	}

	resolved := make([]model.Product, 0, len(titles))
	for _, title := range titles {
		matches := make([]model.Product, 0, 1)
		for _, product := range catalog {
			if product.Title != title {
				continue
			}
			if len(h.years) > 0 && !model.YearsIntersect(product.VintageYears, h.years) {
				continue
			}
			matches = append(matches, product)
		}
		switch {
		case len(matches) == 0:
			if len(h.years) > 0 {
				res.warnf(h.log, "product %q not available for years %v; skipping", title, h.years)
			} else {
				res.warnf(h.log, "no product titled %q; skipping", title)
			}
		case len(matches) > 1 && len(h.years) == 0:
			res.warnf(h.log, "product %q exists for vintages %v; keeping all (set years to disambiguate)",
				title, spanYears(matches))
		}
		resolved = append(resolved, matches...)
	}

	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no titles matched", ErrEmptySelection)
	}

	h.pinProducts(model.CopyProducts(resolved))
	res.Selected = len(h.products)
	return res, nil
}

// pinProducts commits a product selection and invalidates the downstream
// stages, which were derived from the previous one.
func (h *Helper) pinProducts(products []model.Product) {
	h.products = products
	h.geos = nil
	h.variables = nil
	h.lastGeos = nil
	h.lastVariables = nil
	titles := make([]string, 0, len(products))
	for _, product := range products {
		titles = append(titles, product.Title)
	}
	h.log.Info().Strs("titles", titles).Msg("products set")
}

// ensureCatalogLocked returns the product catalog, fetching it on first use.
// The caller must hold h.mu; holding it across the fetch is the single-writer
// gate that keeps the catalog fetched at most once. A failed fetch leaves the
// cache unset so a later call can retry.
func (h *Helper) ensureCatalogLocked(ctx context.Context) ([]model.Product, error) {
	if h.catalog != nil {
		return h.catalog, nil
	}

	var doc catalogDocument
	if err := h.getJSON(ctx, h.config.CatalogURL, &doc); err != nil {
		return nil, err
	}

	products := make([]model.Product, 0, len(doc.Dataset))
	for _, entry := range doc.Dataset {
		accessURL := h.usableAccessURL(entry.Distribution)
		if accessURL == "" {
			// Not retrievable through the API; drop rather than surface a
			// broken record.
			continue
		}
		products = append(products, model.Product{
			Title:        entry.Title,
			Description:  entry.Description,
			VintageYears: vintage.Parse(entry.Vintage),
			DatasetType:  datasetType(entry.Dataset),
			AccessURL:    accessURL,
			IsMicrodata:  entry.IsMicrodata,
			IsAggregate:  entry.IsAggregate,
		})
	}

	h.catalog = products
	h.log.Info().Int("products", len(products)).Msg("catalog loaded")
	return h.catalog, nil
}

func (h *Helper) usableAccessURL(distributions []catalogDistribution) string {
	for _, dist := range distributions {
		if strings.Contains(dist.AccessURL, h.config.APIHostFragment) {
			return dist.AccessURL
		}
	}
	return ""
}

func datasetType(dataset []string) string {
	if len(dataset) > 1 {
		return dataset[1]
	}
	return ""
}

func spanYears(products []model.Product) []int {
	years := make([]int, 0, len(products))
	for _, product := range products {
		years = append(years, product.VintageYears...)
	}
	sort.Ints(years)
	return years
}
