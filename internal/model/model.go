package model

import (
	"fmt"
	"sort"
	"time"
)

// Product is one selectable dataset definition from the catalog. A title can
// appear once per vintage, so VintageYears is the only thing distinguishing
// two entries with the same title.
type Product struct {
	Title        string
	Description  string
	VintageYears []int
	DatasetType  string
	AccessURL    string
	IsMicrodata  bool
	IsAggregate  bool
}

// ProductSpan records which product (and which of its vintage years) a
// consolidated geography or variable record came from.
type ProductSpan struct {
	Product string
	Years   []int
}

// GeographyLevel is a level of geographic aggregation exposed by one or more
// products. LevelCode is the summary-level code ("040" = state); microdata
// products sometimes omit it, in which case Description stands in as the
// consolidation key.
type GeographyLevel struct {
	LevelCode       string
	Description     string
	ReferenceDate   string
	RequiredParents []string
	AppliesTo       []ProductSpan
}

// Key returns the natural key used to merge records across products.
func (g GeographyLevel) Key() string {
	if g.LevelCode != "" {
		return g.LevelCode
	}
	return g.Description
}

// Variable is a data variable exposed by one or more products, keyed by name.
type Variable struct {
	Name      string
	Label     string
	Concept   string
	Group     string
	AppliesTo []ProductSpan
}

// Selection is the pinned years/products/geographies/variables handed to the
// data-fetch stage. All slices are independent snapshots; mutating a
// Selection never reaches back into the helper's caches.
type Selection struct {
	Years       []int
	Products    []Product
	Geographies []GeographyLevel
	Variables   []Variable
}

// Cell is one fetched value in long format, the unit the store persists.
type Cell struct {
	Product    string
	Vintage    int
	GeoKey     string
	Variable   string
	Value      string
	IngestedAt time.Time
}

// NewYearSet validates and normalizes a year set: distinct, sorted
// ascending, all positive.
func NewYearSet(years ...int) ([]int, error) {
	if len(years) == 0 {
		return nil, fmt.Errorf("model: year set must not be empty")
	}
	seen := make(map[int]struct{}, len(years))
	out := make([]int, 0, len(years))
	for _, year := range years {
		if year <= 0 {
			return nil, fmt.Errorf("model: invalid year %d", year)
		}
		if _, ok := seen[year]; ok {
			continue
		}
		seen[year] = struct{}{}
		out = append(out, year)
	}
	sort.Ints(out)
	return out, nil
}

// YearsIntersect reports whether the two year sets share at least one year.
// An empty set never intersects anything.
func YearsIntersect(a, b []int) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[int]struct{}, len(a))
	for _, year := range a {
		set[year] = struct{}{}
	}
	for _, year := range b {
		if _, ok := set[year]; ok {
			return true
		}
	}
	return false
}

// CopyYears returns an independent copy of a year slice.
func CopyYears(years []int) []int {
	if len(years) == 0 {
		return nil
	}
	out := make([]int, len(years))
	copy(out, years)
	return out
}

// CopyProducts returns an independent copy of a product slice. Year slices
// are copied too so a pinned selection cannot alias a cached view.
func CopyProducts(products []Product) []Product {
	if len(products) == 0 {
		return nil
	}
	out := make([]Product, len(products))
	copy(out, products)
	for i := range out {
		out[i].VintageYears = CopyYears(out[i].VintageYears)
	}
	return out
}

// CopyGeographies returns an independent copy of a geography slice.
func CopyGeographies(geos []GeographyLevel) []GeographyLevel {
	if len(geos) == 0 {
		return nil
	}
	out := make([]GeographyLevel, len(geos))
	copy(out, geos)
	for i := range out {
		out[i].RequiredParents = copyStrings(out[i].RequiredParents)
		out[i].AppliesTo = copySpans(out[i].AppliesTo)
	}
	return out
}

// CopyVariables returns an independent copy of a variable slice.
func CopyVariables(variables []Variable) []Variable {
	if len(variables) == 0 {
		return nil
	}
	out := make([]Variable, len(variables))
	copy(out, variables)
	for i := range out {
		out[i].AppliesTo = copySpans(out[i].AppliesTo)
	}
	return out
}

func copySpans(spans []ProductSpan) []ProductSpan {
	if len(spans) == 0 {
		return nil
	}
	out := make([]ProductSpan, len(spans))
	copy(out, spans)
	for i := range out {
		out[i].Years = CopyYears(out[i].Years)
	}
	return out
}

func copyStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
