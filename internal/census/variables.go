package census

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cendat/internal/filter"
	"cendat/internal/model"
)

// reservedVariableNames are structural query parameters the API lists among
// variables; they are never data variables and are dropped before
// consolidation.
var reservedVariableNames = map[string]struct{}{
	"GEO_ID": {},
	"for":    {},
	"in":     {},
}

type variablesDocument struct {
	Variables map[string]variableEntry `json:"variables"`
}

type variableEntry struct {
	Label   string `json:"label"`
	Concept string `json:"concept"`
	Group   string `json:"group"`
}

// ListVariables lists the variables exposed by the pinned products,
// consolidated by name and optionally filtered by regex patterns over the
// label. Per-product fetch failures are logged and skipped. The result
// becomes the view a bare SetVariables pins.
func (h *Helper) ListVariables(ctx context.Context, opts FilterOptions) ([]model.Variable, error) {
	f, err := filter.Compile(opts.Patterns, opts.Mode)
	if err != nil {
		h.log.Error().Err(err).Msg("variable filter rejected")
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	consolidated, err := h.consolidatedVariablesLocked(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]model.Variable, 0, len(consolidated))
	for _, variable := range consolidated {
		if !f.Match(variable.Label) {
			continue
		}
		filtered = append(filtered, variable)
	}

	h.lastVariables = model.CopyVariables(filtered)
	return model.CopyVariables(filtered), nil
}

// SetVariables pins variables by name; with no names it pins the last
// filtered view. Unknown names are skipped with a warning; the call fails
// as a whole only when nothing matches.
func (h *Helper) SetVariables(ctx context.Context, names ...string) (*SetResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := &SetResult{}

	if len(names) == 0 {
		if len(h.lastVariables) == 0 {
			return nil, fmt.Errorf("%w: call ListVariables first", ErrNoFilteredView)
		}
		h.variables = model.CopyVariables(h.lastVariables)
		res.Selected = len(h.variables)
		h.logVariablesSet()
		return res, nil
	}

	available, err := h.consolidatedVariablesLocked(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]model.Variable, len(available))
	for _, variable := range available {
		byName[variable.Name] = variable
	}

	resolved := make([]model.Variable, 0, len(names))
	for _, name := range names {
		variable, ok := byName[name]
		if !ok {
			res.warnf(h.log, "no variable named %q; skipping", name)
			continue
		}
		resolved = append(resolved, variable)
	}

	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no variable names matched", ErrEmptySelection)
	}

	h.variables = model.CopyVariables(resolved)
	res.Selected = len(h.variables)
	h.logVariablesSet()
	return res, nil
}

// consolidatedVariablesLocked fans out to every pinned product's variables
// sub-resource and merges by name. The upstream document is a JSON object,
// so names are sorted per product to keep listings deterministic. Caller
// holds h.mu.
func (h *Helper) consolidatedVariablesLocked(ctx context.Context) ([]model.Variable, error) {
	if len(h.products) == 0 {
		return nil, fmt.Errorf("%w: call SetProducts first", ErrNoProductSet)
	}

	consolidator := newVariableConsolidator()
	for _, product := range h.products {
		endpoint := strings.TrimRight(product.AccessURL, "/") + "/variables.json"
		var doc variablesDocument
		if err := h.getJSON(ctx, endpoint, &doc); err != nil {
			h.log.Warn().Err(err).Str("product", product.Title).Msg("variables fetch failed; skipping product")
			continue
		}

		names := make([]string, 0, len(doc.Variables))
		for name := range doc.Variables {
			if _, reserved := reservedVariableNames[name]; reserved {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			entry := doc.Variables[name]
			consolidator.add(model.Variable{
				Name:    name,
				Label:   entry.Label,
				Concept: entry.Concept,
				Group:   entry.Group,
				AppliesTo: []model.ProductSpan{{
					Product: product.Title,
					Years:   model.CopyYears(product.VintageYears),
				}},
			})
		}
	}
	return consolidator.result(), nil
}

func (h *Helper) logVariablesSet() {
	names := make([]string, 0, len(h.variables))
	for _, variable := range h.variables {
		names = append(names, variable.Name)
	}
	h.log.Info().Strs("variables", names).Msg("variables set")
}
