package census

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cendat/internal/filter"
	"cendat/internal/model"
)

// testCatalog wires an httptest server that plays the remote catalog: the
// top-level data.json plus per-product geography and variable documents.
type testCatalog struct {
	srv           *httptest.Server
	catalogCalls  atomic.Int64
	geoStatus     map[string]int // path -> forced status
	lastQueryKeys map[string]string
}

func newTestCatalog(t *testing.T) *testCatalog {
	t.Helper()
	tc := &testCatalog{
		geoStatus:     make(map[string]int),
		lastQueryKeys: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		tc.catalogCalls.Add(1)
		tc.lastQueryKeys[r.URL.Path] = r.URL.Query().Get("key")
		writeJSON(w, tc.catalogDocument())
	})
	mux.HandleFunc("/data/2019/acs/acs5/geography.json", func(w http.ResponseWriter, r *http.Request) {
		if tc.failMaybe(w, r) {
			return
		}
		writeJSON(w, map[string]any{"fips": []map[string]any{
			{"name": "State", "geoLevelDisplay": "040", "referenceDate": "2019-01-01"},
			{"name": "County", "geoLevelDisplay": "050", "referenceDate": "2019-01-01", "requires": []string{"state"}},
			{"name": "Place", "geoLevelDisplay": "160", "referenceDate": "2019-01-01", "requires": []string{"state"}},
		}})
	})
	mux.HandleFunc("/data/2020/acs/acs5/geography.json", func(w http.ResponseWriter, r *http.Request) {
		if tc.failMaybe(w, r) {
			return
		}
		writeJSON(w, map[string]any{"fips": []map[string]any{
			{"name": "State", "geoLevelDisplay": "040", "referenceDate": "2020-01-01"},
			{"name": "County", "geoLevelDisplay": "050", "referenceDate": "2020-01-01", "requires": []string{"state", "county subdivision"}},
		}})
	})
	mux.HandleFunc("/data/2019/acs/acs5/variables.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"variables": map[string]any{
			"GEO_ID":      map[string]any{"label": "Geography"},
			"for":         map[string]any{"label": "Census API FIPS 'for' clause"},
			"in":          map[string]any{"label": "Census API FIPS 'in' clause"},
			"B19013_001E": map[string]any{"label": "Estimate!!Median household income", "concept": "Median Household Income", "group": "B19013"},
			"B01001_001E": map[string]any{"label": "Estimate!!Total", "concept": "Sex by Age", "group": "B01001"},
		}})
	})
	mux.HandleFunc("/data/2020/acs/acs5/variables.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"variables": map[string]any{
			"B19013_001E": map[string]any{"label": "Estimate!!Median household income", "concept": "Median Household Income", "group": "B19013"},
			"B25010_001E": map[string]any{"label": "Estimate!!Average household size", "concept": "Household Size", "group": "B25010"},
		}})
	})

	tc.srv = httptest.NewServer(mux)
	t.Cleanup(tc.srv.Close)
	return tc
}

func (tc *testCatalog) failMaybe(w http.ResponseWriter, r *http.Request) bool {
	if status, ok := tc.geoStatus[r.URL.Path]; ok {
		w.WriteHeader(status)
		return true
	}
	return false
}

func (tc *testCatalog) catalogDocument() map[string]any {
	product := func(title string, vintage any, path string) map[string]any {
		return map[string]any{
			"title":       title,
			"description": "test product",
			"c_vintage":   vintage,
			"c_dataset":   []string{"acs", "acs5"},
			"c_isAggregate": true,
			"distribution": []map[string]any{
				{"accessURL": tc.srv.URL + path},
			},
		}
	}
	noURL := map[string]any{
		"title":     "Broken Product",
		"c_vintage": 2019,
		"distribution": []map[string]any{
			{"accessURL": "https://example.com/elsewhere"},
		},
	}
	unparseable := map[string]any{
		"title":     "Timeseries Economic Indicators",
		"c_vintage": "n/a",
		"distribution": []map[string]any{
			{"accessURL": tc.srv.URL + "/data/timeseries/eits"},
		},
	}
	return map[string]any{"dataset": []map[string]any{
		product("ACS 5-Year Estimates", 2019, "/data/2019/acs/acs5"),
		product("ACS 5-Year Estimates", 2020, "/data/2020/acs/acs5"),
		product("ACS 1-Year Estimates", 2019, "/data/2019/acs/acs1"),
		noURL,
		unparseable,
	}}
}

func (tc *testCatalog) helper(t *testing.T) *Helper {
	t.Helper()
	h, err := NewWithConfig(Config{
		CatalogURL:      tc.srv.URL + "/data.json",
		APIHostFragment: tc.srv.URL,
	})
	require.NoError(t, err)
	return h
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func TestListProducts(t *testing.T) {
	ctx := context.Background()

	t.Run("catalog fetched once and reused", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		first, err := h.ListProducts(ctx, ListOptions{})
		require.NoError(t, err)
		second, err := h.ListProducts(ctx, ListOptions{})
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int64(1), tc.catalogCalls.Load())
	})

	t.Run("entries without usable access URL are dropped", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		products, err := h.ListProducts(ctx, ListOptions{})
		require.NoError(t, err)
		for _, product := range products {
			assert.NotEqual(t, "Broken Product", product.Title)
		}
		assert.Len(t, products, 4)
	})

	t.Run("year filter intersects vintages", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		products, err := h.ListProducts(ctx, ListOptions{Years: []int{2020, 2021}})
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, []int{2020}, products[0].VintageYears)
	})

	t.Run("unparseable vintage never passes a year filter", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		products, err := h.ListProducts(ctx, ListOptions{Years: []int{2019}})
		require.NoError(t, err)
		for _, product := range products {
			assert.NotEqual(t, "Timeseries Economic Indicators", product.Title)
		}
	})

	t.Run("set years used when no explicit years given", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2020))

		products, err := h.ListProducts(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, "ACS 5-Year Estimates", products[0].Title)
	})

	t.Run("conjunctive patterns", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		products, err := h.ListProducts(ctx, ListOptions{
			FilterOptions: FilterOptions{Patterns: []string{"acs", "5-year"}},
		})
		require.NoError(t, err)
		require.Len(t, products, 2)
		for _, product := range products {
			assert.Equal(t, "ACS 5-Year Estimates", product.Title)
		}
	})

	t.Run("disjunctive patterns", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		products, err := h.ListProducts(ctx, ListOptions{
			FilterOptions: FilterOptions{Patterns: []string{"1-year", "timeseries"}, Mode: filter.MatchAny},
		})
		require.NoError(t, err)
		assert.Len(t, products, 2)
	})

	t.Run("invalid pattern fails closed", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		products, err := h.ListProducts(ctx, ListOptions{
			FilterOptions: FilterOptions{Patterns: []string{"acs", "(unclosed"}},
		})
		require.Error(t, err)
		assert.Empty(t, products)
		// The bad pattern did not poison the catalog cache or the last view.
		assert.Equal(t, int64(0), tc.catalogCalls.Load())
	})

	t.Run("transport failure yields empty listing and retries later", func(t *testing.T) {
		tc := newTestCatalog(t)
		h, err := NewWithConfig(Config{
			CatalogURL:      tc.srv.URL + "/missing.json",
			APIHostFragment: tc.srv.URL,
		})
		require.NoError(t, err)

		products, err := h.ListProducts(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, products)

		// Point at the real document; the failed attempt must not have
		// latched an empty cache.
		h.config.CatalogURL = tc.srv.URL + "/data.json"
		products, err = h.ListProducts(ctx, ListOptions{})
		require.NoError(t, err)
		assert.NotEmpty(t, products)
	})
}

func TestSetProducts(t *testing.T) {
	ctx := context.Background()

	t.Run("bare call pins last filtered view", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2019))

		_, err := h.ListProducts(ctx, ListOptions{
			FilterOptions: FilterOptions{Patterns: []string{"5-year"}},
		})
		require.NoError(t, err)

		res, err := h.SetProducts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Empty(t, res.Warnings)

		sel := h.Selection()
		require.Len(t, sel.Products, 1)
		assert.Equal(t, "ACS 5-Year Estimates", sel.Products[0].Title)
	})

	t.Run("bare call without a view fails", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		_, err := h.SetProducts(ctx)
		require.ErrorIs(t, err, ErrNoFilteredView)
		assert.Empty(t, h.Selection().Products)
	})

	t.Run("titles resolve with year disambiguation", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2020))

		res, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)

		sel := h.Selection()
		require.Len(t, sel.Products, 1)
		assert.Equal(t, []int{2020}, sel.Products[0].VintageYears)
	})

	t.Run("ambiguous title without years keeps all vintages with a warning", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		res, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Selected)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "vintages")
	})

	t.Run("partial match proceeds with warnings", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2019))

		res, err := h.SetProducts(ctx, "ACS 1-Year Estimates", "No Such Product")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "No Such Product")
	})

	t.Run("nothing matched fails and leaves state unchanged", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2019))
		_, err := h.SetProducts(ctx, "ACS 1-Year Estimates")
		require.NoError(t, err)

		_, err = h.SetProducts(ctx, "No Such Product")
		require.ErrorIs(t, err, ErrEmptySelection)
		sel := h.Selection()
		require.Len(t, sel.Products, 1)
		assert.Equal(t, "ACS 1-Year Estimates", sel.Products[0].Title)
	})
}

func TestListGeographies(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a pinned product", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)

		geos, err := h.ListGeographies(ctx, FilterOptions{})
		require.ErrorIs(t, err, ErrNoProductSet)
		assert.Empty(t, geos)
		assert.Empty(t, h.Selection().Geographies)
	})

	t.Run("consolidates shared level codes across products", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates") // both vintages
		require.NoError(t, err)

		geos, err := h.ListGeographies(ctx, FilterOptions{})
		require.NoError(t, err)

		var state *model.GeographyLevel
		for i := range geos {
			if geos[i].LevelCode == "040" {
				state = &geos[i]
			}
		}
		require.NotNil(t, state, "expected a single consolidated 040 record")
		require.Len(t, state.AppliesTo, 2)
		assert.Equal(t, []int{2019}, state.AppliesTo[0].Years)
		assert.Equal(t, []int{2020}, state.AppliesTo[1].Years)

		count := 0
		for _, geo := range geos {
			if geo.LevelCode == "040" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("unions parent requirements on merge", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		geos, err := h.ListGeographies(ctx, FilterOptions{})
		require.NoError(t, err)
		for _, geo := range geos {
			if geo.LevelCode == "050" {
				assert.ElementsMatch(t, []string{"state", "county subdivision"}, geo.RequiredParents)
			}
		}
	})

	t.Run("per-product fetch failure is tolerated", func(t *testing.T) {
		tc := newTestCatalog(t)
		tc.geoStatus["/data/2020/acs/acs5/geography.json"] = http.StatusInternalServerError
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		geos, err := h.ListGeographies(ctx, FilterOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, geos)
		for _, geo := range geos {
			require.Len(t, geo.AppliesTo, 1)
			assert.Equal(t, []int{2019}, geo.AppliesTo[0].Years)
		}
	})

	t.Run("patterns filter consolidated descriptions", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		geos, err := h.ListGeographies(ctx, FilterOptions{Patterns: []string{"^state$"}})
		require.NoError(t, err)
		require.Len(t, geos, 1)
		assert.Equal(t, "040", geos[0].LevelCode)
	})
}

func TestSetGeographies(t *testing.T) {
	ctx := context.Background()

	t.Run("by level code with parent requirements", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		res, err := h.SetGeographies(ctx, "050")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.ElementsMatch(t, []string{"county subdivision", "state"}, res.ParentRequirements["County"])
	})

	t.Run("by description", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		res, err := h.SetGeographiesBy(ctx, ByDescription, "state")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		sel := h.Selection()
		require.Len(t, sel.Geographies, 1)
		assert.Equal(t, "040", sel.Geographies[0].LevelCode)
	})

	t.Run("bare call pins last view", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)
		_, err = h.ListGeographies(ctx, FilterOptions{Patterns: []string{"place"}})
		require.NoError(t, err)

		res, err := h.SetGeographies(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Equal(t, "160", h.Selection().Geographies[0].LevelCode)
	})

	t.Run("unmatched code warns, all unmatched fails", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		res, err := h.SetGeographies(ctx, "040", "999")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Len(t, res.Warnings, 1)

		_, err = h.SetGeographies(ctx, "999")
		require.ErrorIs(t, err, ErrEmptySelection)
		assert.Len(t, h.Selection().Geographies, 1)
	})
}

func TestListVariables(t *testing.T) {
	ctx := context.Background()

	t.Run("reserved names are excluded", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2019))
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		variables, err := h.ListVariables(ctx, FilterOptions{})
		require.NoError(t, err)
		names := make([]string, 0, len(variables))
		for _, variable := range variables {
			names = append(names, variable.Name)
		}
		assert.ElementsMatch(t, []string{"B01001_001E", "B19013_001E"}, names)
	})

	t.Run("consolidates shared names with provenance", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates") // both vintages
		require.NoError(t, err)

		variables, err := h.ListVariables(ctx, FilterOptions{Patterns: []string{"median household income"}})
		require.NoError(t, err)
		require.Len(t, variables, 1)
		assert.Equal(t, "B19013_001E", variables[0].Name)
		require.Len(t, variables[0].AppliesTo, 2)
	})

	t.Run("requires a pinned product", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		variables, err := h.ListVariables(ctx, FilterOptions{})
		require.ErrorIs(t, err, ErrNoProductSet)
		assert.Empty(t, variables)
	})
}

func TestSetVariables(t *testing.T) {
	ctx := context.Background()

	t.Run("by name with partial warnings", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2019))
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)

		res, err := h.SetVariables(ctx, "B19013_001E", "NOPE_001E")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Len(t, res.Warnings, 1)
	})

	t.Run("bare call pins last view", func(t *testing.T) {
		tc := newTestCatalog(t)
		h := tc.helper(t)
		require.NoError(t, h.SetYears(2019))
		_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
		require.NoError(t, err)
		_, err = h.ListVariables(ctx, FilterOptions{Patterns: []string{"income"}})
		require.NoError(t, err)

		res, err := h.SetVariables(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Selected)
		assert.Equal(t, "B19013_001E", h.Selection().Variables[0].Name)
	})
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	tc := newTestCatalog(t)
	h := tc.helper(t)

	require.NoError(t, h.SetYears(2019))

	products, err := h.ListProducts(ctx, ListOptions{
		FilterOptions: FilterOptions{Patterns: []string{"acs", "5-year"}},
	})
	require.NoError(t, err)
	require.Len(t, products, 1)

	_, err = h.SetProducts(ctx)
	require.NoError(t, err)

	_, err = h.ListGeographies(ctx, FilterOptions{})
	require.NoError(t, err)
	_, err = h.SetGeographies(ctx, "040")
	require.NoError(t, err)

	_, err = h.ListVariables(ctx, FilterOptions{Patterns: []string{"income"}})
	require.NoError(t, err)
	_, err = h.SetVariables(ctx, "B19013_001E")
	require.NoError(t, err)

	sel := h.Selection()
	require.Len(t, sel.Products, 1)
	require.Len(t, sel.Geographies, 1)
	require.Len(t, sel.Variables, 1)
	assert.Equal(t, "ACS 5-Year Estimates", sel.Products[0].Title)
	assert.Equal(t, "040", sel.Geographies[0].LevelCode)
	assert.Equal(t, "B19013_001E", sel.Variables[0].Name)
	require.Len(t, sel.Variables[0].AppliesTo, 1)
	assert.Equal(t, "ACS 5-Year Estimates", sel.Variables[0].AppliesTo[0].Product)
	assert.Equal(t, []int{2019}, sel.Variables[0].AppliesTo[0].Years)
}

func TestSelectionIsASnapshot(t *testing.T) {
	ctx := context.Background()
	tc := newTestCatalog(t)
	h := tc.helper(t)
	require.NoError(t, h.SetYears(2019))
	_, err := h.SetProducts(ctx, "ACS 5-Year Estimates")
	require.NoError(t, err)

	sel := h.Selection()
	sel.Products[0].Title = "mutated"
	sel.Products[0].VintageYears[0] = 1

	again := h.Selection()
	assert.Equal(t, "ACS 5-Year Estimates", again.Products[0].Title)
	assert.Equal(t, []int{2019}, again.Products[0].VintageYears)
}

func TestAPIKeyAttached(t *testing.T) {
	ctx := context.Background()
	tc := newTestCatalog(t)
	h, err := NewWithConfig(Config{
		CatalogURL:      tc.srv.URL + "/data.json",
		APIHostFragment: tc.srv.URL,
		APIKey:          "sekrit",
	})
	require.NoError(t, err)

	_, err = h.ListProducts(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sekrit", tc.lastQueryKeys["/data.json"])
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CENSUS_API_KEY", "from-env")
	t.Setenv("CENSUS_TIMEOUT_SECONDS", "3")

	cfg := ConfigFromEnv()
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, "3s", cfg.Timeout.String())
	assert.Equal(t, defaultCatalogURL, cfg.CatalogURL)
}

func TestLoadKey(t *testing.T) {
	h, err := NewWithConfig(Config{})
	require.NoError(t, err)

	h.LoadKey("")
	assert.Empty(t, h.config.APIKey)

	h.LoadKey("abc")
	assert.Equal(t, "abc", h.config.APIKey)
}

func TestSetYears(t *testing.T) {
	h, err := NewWithConfig(Config{})
	require.NoError(t, err)

	require.NoError(t, h.SetYears(2021, 2019, 2019))
	assert.Equal(t, []int{2019, 2021}, h.Years())

	assert.Error(t, h.SetYears())
	assert.Error(t, h.SetYears(-1))
	// Failed calls leave the previous set intact.
	assert.Equal(t, []int{2019, 2021}, h.Years())
}
