package census

import "cendat/internal/model"

// Consolidation merges per-product records that share a natural key into one
// record with multi-product provenance. First occurrence order is preserved
// so listings stay stable across calls.

type geoConsolidator struct {
	index   map[string]int
	records []model.GeographyLevel
}

func newGeoConsolidator() *geoConsolidator {
	return &geoConsolidator{index: make(map[string]int)}
}

// add merges one per-product record. The first record for a key supplies the
// descriptive fields; later records append their applies-to span and any
// parent levels not yet seen.
func (c *geoConsolidator) add(record model.GeographyLevel) {
	key := record.Key()
	i, ok := c.index[key]
	if !ok {
		c.index[key] = len(c.records)
		c.records = append(c.records, record)
		return
	}
	existing := &c.records[i]
	existing.AppliesTo = append(existing.AppliesTo, record.AppliesTo...)
	existing.RequiredParents = unionParents(existing.RequiredParents, record.RequiredParents)
}

func (c *geoConsolidator) result() []model.GeographyLevel {
	return c.records
}

type variableConsolidator struct {
	index   map[string]int
	records []model.Variable
}

func newVariableConsolidator() *variableConsolidator {
	return &variableConsolidator{index: make(map[string]int)}
}

func (c *variableConsolidator) add(record model.Variable) {
	i, ok := c.index[record.Name]
	if !ok {
		c.index[record.Name] = len(c.records)
		c.records = append(c.records, record)
		return
	}
	existing := &c.records[i]
	existing.AppliesTo = append(existing.AppliesTo, record.AppliesTo...)
	if existing.Label == "" {
		existing.Label = record.Label
	}
	if existing.Concept == "" {
		existing.Concept = record.Concept
	}
	if existing.Group == "" {
		existing.Group = record.Group
	}
}

func (c *variableConsolidator) result() []model.Variable {
	return c.records
}

func unionParents(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, level := range existing {
		seen[level] = struct{}{}
	}
	for _, level := range incoming {
		if _, ok := seen[level]; ok {
			continue
		}
		seen[level] = struct{}{}
		existing = append(existing, level)
	}
	return existing
}
