package census

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cendat/internal/filter"
	"cendat/internal/model"
)

// GeoMatchField selects the field SetGeographiesBy matches on. Microdata
// products often publish geography rows without a summary-level code, which
// is why description matching exists at all.
type GeoMatchField int

const (
	ByLevelCode GeoMatchField = iota
	ByDescription
)

type geographyDocument struct {
	Fips []geographyEntry `json:"fips"`
}

type geographyEntry struct {
	Name            string   `json:"name"`
	GeoLevelDisplay string   `json:"geoLevelDisplay"`
	ReferenceDate   string   `json:"referenceDate"`
	Requires        []string `json:"requires"`
}

// ListGeographies lists the geography levels exposed by the pinned products,
// consolidated by level code (description when the code is missing) and
// optionally filtered by regex patterns over the description. A fetch
// failure for one product is logged and skipped; the other products' levels
// still surface. The result becomes the view a bare SetGeographies pins.
func (h *Helper) ListGeographies(ctx context.Context, opts FilterOptions) ([]model.GeographyLevel, error) {
	f, err := filter.Compile(opts.Patterns, opts.Mode)
	if err != nil {
		h.log.Error().Err(err).Msg("geography filter rejected")
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	consolidated, err := h.consolidatedGeographiesLocked(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]model.GeographyLevel, 0, len(consolidated))
	for _, geo := range consolidated {
		if !f.Match(geo.Description) {
			continue
		}
		filtered = append(filtered, geo)
	}

	h.lastGeos = model.CopyGeographies(filtered)
	return model.CopyGeographies(filtered), nil
}

// SetGeographies pins geography levels by level code; with no codes it pins
// the last filtered view.
func (h *Helper) SetGeographies(ctx context.Context, levelCodes ...string) (*SetResult, error) {
	return h.SetGeographiesBy(ctx, ByLevelCode, levelCodes...)
}

// SetGeographiesBy pins geography levels matched by the given field.
// Unmatched values are skipped with a warning; the call fails as a whole
// only when nothing matches, and leaves the selection unchanged when it
// does. The result carries, per distinct description, the union of parent
// levels the data-fetch stage must qualify.
func (h *Helper) SetGeographiesBy(ctx context.Context, field GeoMatchField, values ...string) (*SetResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := &SetResult{}

	if len(values) == 0 {
		if len(h.lastGeos) == 0 {
			return nil, fmt.Errorf("%w: call ListGeographies first", ErrNoFilteredView)
		}
		h.geos = model.CopyGeographies(h.lastGeos)
		res.Selected = len(h.geos)
		res.ParentRequirements = parentRequirements(h.geos)
		h.logGeosSet()
		return res, nil
	}

	// Explicit values are matched against a fresh unfiltered listing, not
	// against whatever the last list call happened to keep.
	available, err := h.consolidatedGeographiesLocked(ctx)
	if err != nil {
		return nil, err
	}

	resolved := make([]model.GeographyLevel, 0, len(values))
	for _, value := range values {
		match, ok := findGeography(available, field, value)
		if !ok {
			res.warnf(h.log, "no geography level matching %q; skipping", value)
			continue
		}
		resolved = append(resolved, match)
	}

	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no geography levels matched", ErrEmptySelection)
	}

	h.geos = model.CopyGeographies(resolved)
	res.Selected = len(h.geos)
	res.ParentRequirements = parentRequirements(h.geos)
	h.logGeosSet()
	return res, nil
}

// consolidatedGeographiesLocked fans out to every pinned product's geography
// sub-resource and merges the results. Caller holds h.mu.
func (h *Helper) consolidatedGeographiesLocked(ctx context.Context) ([]model.GeographyLevel, error) {
	if len(h.products) == 0 {
		return nil, fmt.Errorf("%w: call SetProducts first", ErrNoProductSet)
	}

	consolidator := newGeoConsolidator()
	for _, product := range h.products {
		endpoint := strings.TrimRight(product.AccessURL, "/") + "/geography.json"
		var doc geographyDocument
		if err := h.getJSON(ctx, endpoint, &doc); err != nil {
			h.log.Warn().Err(err).Str("product", product.Title).Msg("geography fetch failed; skipping product")
			continue
		}
		for _, entry := range doc.Fips {
			consolidator.add(model.GeographyLevel{
				LevelCode:       strings.TrimSpace(entry.GeoLevelDisplay),
				Description:     entry.Name,
				ReferenceDate:   entry.ReferenceDate,
				RequiredParents: entry.Requires,
				AppliesTo: []model.ProductSpan{{
					Product: product.Title,
					Years:   model.CopyYears(product.VintageYears),
				}},
			})
		}
	}
	return consolidator.result(), nil
}

func (h *Helper) logGeosSet() {
	keys := make([]string, 0, len(h.geos))
	for _, geo := range h.geos {
		keys = append(keys, geo.Key())
	}
	h.log.Info().Strs("geographies", keys).Msg("geographies set")
}

func findGeography(available []model.GeographyLevel, field GeoMatchField, value string) (model.GeographyLevel, bool) {
	for _, geo := range available {
		switch field {
		case ByDescription:
			if strings.EqualFold(geo.Description, value) {
				return geo, true
			}
		default:
			if geo.LevelCode == value {
				return geo, true
			}
		}
	}
	return model.GeographyLevel{}, false
}

// parentRequirements unions required parent levels per distinct description.
// Advisory only: the data-fetch stage uses it to build "in" qualifiers, the
// selection itself does not enforce it.
func parentRequirements(geos []model.GeographyLevel) map[string][]string {
	out := make(map[string][]string, len(geos))
	for _, geo := range geos {
		if len(geo.RequiredParents) == 0 {
			continue
		}
		merged := unionParents(out[geo.Description], geo.RequiredParents)
		sort.Strings(merged)
		out[geo.Description] = merged
	}
	return out
}
