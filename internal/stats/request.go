package stats

import (
	"fmt"
	"strings"
	"time"
)

// Op names an aggregate function.
type Op string

const (
	OpCount          Op = "count"
	OpCountNonNull   Op = "count_non_null"
	OpSum            Op = "sum"
	OpMean           Op = "mean"
	OpVariance       Op = "variance"
	OpVarianceSample Op = "variance_sample"
	OpStdDev         Op = "stddev"
	OpStdDevSample   Op = "stddev_sample"
	OpMin            Op = "min"
	OpMax            Op = "max"
	OpCovariance     Op = "covariance"
)

type opInfo struct {
	needsField bool
	numeric    bool
	needsWith  bool
}

var ops = map[Op]opInfo{
	OpCount:          {},
	OpCountNonNull:   {needsField: true},
	OpSum:            {needsField: true, numeric: true},
	OpMean:           {needsField: true, numeric: true},
	OpVariance:       {needsField: true, numeric: true},
	OpVarianceSample: {needsField: true, numeric: true},
	OpStdDev:         {needsField: true, numeric: true},
	OpStdDevSample:   {needsField: true, numeric: true},
	OpMin:            {needsField: true, numeric: true},
	OpMax:            {needsField: true, numeric: true},
	OpCovariance:     {needsField: true, numeric: true, needsWith: true},
}

// Metric is one requested aggregate. With is only used by covariance.
type Metric struct {
	Op    Op     `json:"op"`
	Field string `json:"field,omitempty"`
	With  string `json:"with,omitempty"`
	Alias string `json:"alias,omitempty"`
}

// Name is the label the metric carries in results.
func (m Metric) Name() string {
	if m.Alias != "" {
		return m.Alias
	}
	switch {
	case m.Field == "":
		return string(m.Op)
	case m.With != "":
		return fmt.Sprintf("%s(%s,%s)", m.Op, m.Field, m.With)
	default:
		return fmt.Sprintf("%s(%s)", m.Op, m.Field)
	}
}

// Selector picks the rows of a dataset recorded in [From, To). A zero From
// or To leaves that side open.
type Selector struct {
	Name string    `json:"name"`
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// Request describes one aggregation.
type Request struct {
	Dataset Selector `json:"dataset"`
	GroupBy []string `json:"group_by,omitempty"`
	Metrics []Metric `json:"metrics"`
}

// Validate checks the request against schema without touching any rows.
func (r Request) Validate(schema Schema) error {
	if strings.TrimSpace(r.Dataset.Name) == "" {
		return fmt.Errorf("%w: dataset name is required", ErrInvalidRequest)
	}
	if !r.Dataset.From.IsZero() && !r.Dataset.To.IsZero() && r.Dataset.To.Before(r.Dataset.From) {
		return fmt.Errorf("%w: dataset range ends before it starts", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(r.GroupBy))
	for _, f := range r.GroupBy {
		if _, ok := schema[f]; !ok {
			return fmt.Errorf("%w: unknown grouping field %q", ErrInvalidRequest, f)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("%w: grouping field %q listed twice", ErrInvalidRequest, f)
		}
		seen[f] = struct{}{}
	}
	names := make(map[string]struct{}, len(r.Metrics))
	for _, m := range r.Metrics {
		if err := m.validate(schema); err != nil {
			return err
		}
		name := m.Name()
		if _, dup := names[name]; dup {
			return fmt.Errorf("%w: metric %q requested twice", ErrInvalidRequest, name)
		}
		names[name] = struct{}{}
	}
	return nil
}

func (m Metric) validate(schema Schema) error {
	info, ok := ops[m.Op]
	if !ok {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidRequest, m.Op)
	}
	if !info.needsField {
		if m.Field != "" || m.With != "" {
			return fmt.Errorf("%w: %s takes no field", ErrInvalidRequest, m.Op)
		}
		return nil
	}
	fields := []string{m.Field}
	if info.needsWith {
		fields = append(fields, m.With)
	} else if m.With != "" {
		return fmt.Errorf("%w: %s takes a single field", ErrInvalidRequest, m.Op)
	}
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("%w: %s requires a field", ErrInvalidRequest, m.Op)
		}
		typ, ok := schema[f]
		if !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidRequest, f)
		}
		if info.numeric && typ != Numeric {
			return fmt.Errorf("%w: %s is not applicable to %s field %q", ErrInvalidRequest, m.Op, typ, f)
		}
	}
	return nil
}
