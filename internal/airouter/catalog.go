package airouter

import (
	"sort"
	"sync"

	"github.com/auterity/engine-go/internal/models"
)

// Catalog is the registered model inventory with published rates. It is
// loaded at startup and refreshable; reads take a snapshot.
type Catalog struct {
	mu     sync.RWMutex
	models []Model
	byID   map[string]Model
}

// NewCatalog builds a catalog from the given models.
func NewCatalog(ms []Model) *Catalog {
	c := &Catalog{}
	c.Replace(ms)
	return c
}

// Replace swaps the full model inventory, e.g. after a rates refresh.
func (c *Catalog) Replace(ms []Model) {
	byID := make(map[string]Model, len(ms))
	for _, m := range ms {
		byID[m.ID] = m
	}
	sorted := append([]Model(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c.mu.Lock()
	c.models = sorted
	c.byID = byID
	c.mu.Unlock()
}

// Lookup returns the model with the given id.
func (c *Catalog) Lookup(id string) (Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	if !ok {
		return Model{}, models.NewErrorf(models.KindModelNotFound, "model %q is not registered", id)
	}
	return m, nil
}

// Acceptable returns the models whose capabilities cover the request and
// whose estimated cost fits maxCostCents (0 means no ceiling), sorted
// cheapest-first. Ties break on higher quality score, then lexicographic id,
// so selection is deterministic.
func (c *Catalog) Acceptable(req Request) []Model {
	c.mu.RLock()
	snapshot := c.models
	c.mu.RUnlock()

	var out []Model
	for _, m := range snapshot {
		if !m.HasCapabilities(req.PreferredCapabilities) {
			continue
		}
		if req.MaxCostCents > 0 && m.EstimateCents(len(req.Prompt)) > req.MaxCostCents {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].EstimateCents(len(req.Prompt)), out[j].EstimateCents(len(req.Prompt))
		if ci != cj {
			return ci < cj
		}
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}
