package report

import (
	"fmt"
	"sort"

	"investcalc.org/internal/stats"
)

// Dataset names for the built-in catalog.
const (
	DatasetPortfolios = "portfolios"
	DatasetQuotes     = "quotes"
)

// Catalog maps dataset names to their declared schemas.
type Catalog map[string]stats.Schema

// DefaultCatalog describes the datasets the service stores.
func DefaultCatalog() Catalog {
	return Catalog{
		DatasetPortfolios: {
			"label":           stats.Categorical,
			"exchange":        stats.Categorical,
			"currency":        stats.Categorical,
			"expected_return": stats.Numeric,
			"risk":            stats.Numeric,
			"weights":         stats.Categorical,
		},
		DatasetQuotes: {
			"symbol":     stats.Categorical,
			"exchange":   stats.Categorical,
			"trade_date": stats.Categorical,
			"close":      stats.Numeric,
			"volume":     stats.Numeric,
		},
	}
}

// Schema returns the schema of name.
func (c Catalog) Schema(name string) (stats.Schema, error) {
	s, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown dataset %q", stats.ErrInvalidRequest, name)
	}
	return s, nil
}

// Names lists the datasets in sorted order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
