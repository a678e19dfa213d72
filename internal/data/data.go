// Package data is the bulk-fetch stage: it consumes a pinned selection,
// expands it into concrete API queries, retrieves them concurrently, and
// renders the results as string tables, Arrow record batches, or long-format
// cells for the store.
package data

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cendat/internal/model"
)

const maxVariablesPerRequest = 50

var (
	// ErrIncompleteSelection is returned when the selection is missing one of
	// the products/geographies/variables stages.
	ErrIncompleteSelection = errors.New("data: selection is incomplete")
)

// Within qualifies one geography clause: level description -> codes. A level
// missing from the clause is queried as a wildcard.
type Within map[string][]string

func (w Within) lookup(level string) ([]string, bool) {
	for key, values := range w {
		if strings.EqualFold(key, level) {
			return values, true
		}
	}
	return nil, false
}

// Request is one fully expanded API query: one product, one geography
// clause, at most maxVariablesPerRequest variables.
type Request struct {
	Product   string
	Vintage   int
	BaseURL   string
	Variables []string
	For       string
	In        []string
}

// BuildRequests expands a pinned selection against the given geography
// clauses into the cross product of product x clause x variable chunk.
// Variables and geographies only pair with products they apply to, so a
// multi-product selection never produces a query a product cannot answer.
func BuildRequests(sel model.Selection, within []Within) ([]Request, error) {
	if len(sel.Products) == 0 || len(sel.Geographies) == 0 || len(sel.Variables) == 0 {
		return nil, fmt.Errorf("%w: products, geographies and variables must all be set", ErrIncompleteSelection)
	}
	if len(within) == 0 {
		within = []Within{{}}
	}

	requests := make([]Request, 0, len(sel.Products)*len(within))
	for _, product := range sel.Products {
		variables := variablesFor(sel.Variables, product.Title)
		if len(variables) == 0 {
			continue
		}
		for _, geo := range sel.Geographies {
			if !appliesTo(geo.AppliesTo, product.Title) {
				continue
			}
			for _, clause := range within {
				forClause, inClauses := geoClauses(geo, clause)
				for _, chunk := range chunkStrings(variables, maxVariablesPerRequest) {
					requests = append(requests, Request{
						Product:   product.Title,
						Vintage:   latestYear(product.VintageYears),
						BaseURL:   product.AccessURL,
						Variables: chunk,
						For:       forClause,
						In:        inClauses,
					})
				}
			}
		}
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no product/geography/variable combination applies", ErrIncompleteSelection)
	}
	return requests, nil
}

// Dataset is the decoded result of one request: a header row plus string
// rows, tagged with its product provenance.
type Dataset struct {
	Product string
	Vintage int
	Header  []string
	Rows    [][]string
}

// Result aggregates the datasets that came back plus warnings for the
// requests that did not.
type Result struct {
	Datasets []Dataset
	Warnings []string
}

// Cells flattens every dataset into long-format cells, one per requested
// variable per row. Header columns outside the variable set are treated as
// geography qualifiers and folded into the cell's geography key.
func (r *Result) Cells(variables []string) []model.Cell {
	wanted := make(map[string]struct{}, len(variables))
	for _, name := range variables {
		wanted[name] = struct{}{}
	}

	now := time.Now().UTC()
	cells := make([]model.Cell, 0)
	for _, dataset := range r.Datasets {
		varIdx := make([]int, 0, len(dataset.Header))
		geoIdx := make([]int, 0, len(dataset.Header))
		for i, column := range dataset.Header {
			if _, ok := wanted[column]; ok {
				varIdx = append(varIdx, i)
			} else {
				geoIdx = append(geoIdx, i)
			}
		}
		for _, row := range dataset.Rows {
			if len(row) != len(dataset.Header) {
				continue
			}
			geoKey := geoKeyFor(dataset.Header, row, geoIdx)
			for _, i := range varIdx {
				cells = append(cells, model.Cell{
					Product:    dataset.Product,
					Vintage:    dataset.Vintage,
					GeoKey:     geoKey,
					Variable:   dataset.Header[i],
					Value:      row[i],
					IngestedAt: now,
				})
			}
		}
	}
	return cells
}

func geoKeyFor(header, row []string, geoIdx []int) string {
	parts := make([]string, 0, len(geoIdx))
	for _, i := range geoIdx {
		parts = append(parts, header[i]+"="+row[i])
	}
	return strings.Join(parts, ";")
}

// geoClauses builds the for/in query fragments for one geography level under
// one within clause. Required parent levels take their values from the
// clause and fall back to wildcards.
func geoClauses(geo model.GeographyLevel, clause Within) (string, []string) {
	level := strings.ToLower(geo.Description)

	forValues := "*"
	if values, ok := clause.lookup(geo.Description); ok && len(values) > 0 {
		forValues = strings.Join(values, ",")
	}
	forClause := level + ":" + forValues

	inClauses := make([]string, 0, len(geo.RequiredParents))
	for _, parent := range geo.RequiredParents {
		values, ok := clause.lookup(parent)
		if !ok || len(values) == 0 {
			inClauses = append(inClauses, strings.ToLower(parent)+":*")
			continue
		}
		inClauses = append(inClauses, strings.ToLower(parent)+":"+strings.Join(values, ","))
	}
	return forClause, inClauses
}

func variablesFor(variables []model.Variable, productTitle string) []string {
	names := make([]string, 0, len(variables))
	for _, variable := range variables {
		if appliesTo(variable.AppliesTo, productTitle) {
			names = append(names, variable.Name)
		}
	}
	return names
}

func appliesTo(spans []model.ProductSpan, productTitle string) bool {
	for _, span := range spans {
		if span.Product == productTitle {
			return true
		}
	}
	return false
}

func chunkStrings(values []string, size int) [][]string {
	if len(values) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func latestYear(years []int) int {
	if len(years) == 0 {
		return 0
	}
	return years[len(years)-1]
}
