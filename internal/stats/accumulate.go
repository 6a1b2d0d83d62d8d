package stats

import "math"

// counter is an int64 that refuses to wrap.
type counter int64

func (c *counter) inc() error {
	if *c == math.MaxInt64 {
		return ErrOverflow
	}
	*c++
	return nil
}

// summary folds a numeric series with Welford's method.
type summary struct {
	n        counter
	sum      float64
	mean     float64
	m2       float64
	min, max float64
}

func (s *summary) add(x float64) error {
	if err := s.n.inc(); err != nil {
		return err
	}
	if s.n == 1 {
		s.min, s.max = x, x
	} else {
		s.min = math.Min(s.min, x)
		s.max = math.Max(s.max, x)
	}
	s.sum += x
	d := x - s.mean
	s.mean += d / float64(s.n)
	s.m2 += d * (x - s.mean)
	return nil
}

// overflowed reports whether a running value that op reads left the finite
// range. min and max only ever hold input values.
func (s *summary) overflowed(op Op) bool {
	switch op {
	case OpSum:
		return isNonFinite(s.sum)
	case OpMean:
		return isNonFinite(s.mean)
	case OpVariance, OpVarianceSample, OpStdDev, OpStdDevSample:
		return isNonFinite(s.mean) || isNonFinite(s.m2)
	}
	return false
}

func (s *summary) variance(ddof int64) (float64, bool) {
	n := int64(s.n)
	if n <= ddof {
		return 0, false
	}
	v := s.m2 / float64(n-ddof)
	if v < 0 {
		v = 0
	}
	return v, true
}

// comoment folds a pair of series for covariance.
type comoment struct {
	n            counter
	meanX, meanY float64
	c            float64
}

func (s *comoment) add(x, y float64) error {
	if err := s.n.inc(); err != nil {
		return err
	}
	dx := x - s.meanX
	s.meanX += dx / float64(s.n)
	s.meanY += (y - s.meanY) / float64(s.n)
	s.c += dx * (y - s.meanY)
	if isNonFinite(s.meanX) || isNonFinite(s.meanY) || isNonFinite(s.c) {
		return ErrOverflow
	}
	return nil
}

func (s *comoment) covariance() (float64, bool) {
	if s.n < 2 {
		return 0, false
	}
	return s.c / float64(s.n-1), true
}

func isNonFinite(f float64) bool { return math.IsInf(f, 0) || math.IsNaN(f) }

// accumulator is the running state of one metric within one group.
type accumulator interface {
	add(r Record) error
	result(rows counter) MetricValue
}

func newAccumulator(m Metric) accumulator {
	switch m.Op {
	case OpCount:
		return rowCount{}
	case OpCountNonNull:
		return &nonNullCount{field: m.Field}
	case OpCovariance:
		return &covarianceAcc{x: m.Field, y: m.With}
	default:
		return &summaryAcc{field: m.Field, op: m.Op}
	}
}

type rowCount struct{}

func (rowCount) add(Record) error { return nil }

func (rowCount) result(rows counter) MetricValue {
	return MetricValue{Value: float64(rows), Valid: true}
}

type nonNullCount struct {
	field string
	n     counter
}

func (a *nonNullCount) add(r Record) error {
	if r[a.field].IsNull() {
		return nil
	}
	return a.n.inc()
}

func (a *nonNullCount) result(counter) MetricValue {
	return MetricValue{Value: float64(a.n), Valid: true}
}

type summaryAcc struct {
	field string
	op    Op
	s     summary
}

func (a *summaryAcc) add(r Record) error {
	x, ok := r[a.field].Num()
	if !ok {
		return nil
	}
	if err := a.s.add(x); err != nil {
		return err
	}
	if a.s.overflowed(a.op) {
		return ErrOverflow
	}
	return nil
}

func (a *summaryAcc) result(counter) MetricValue {
	if a.op == OpSum {
		return MetricValue{Value: a.s.sum, Valid: true}
	}
	if a.s.n == 0 {
		return MetricValue{}
	}
	switch a.op {
	case OpMean:
		return MetricValue{Value: a.s.mean, Valid: true}
	case OpMin:
		return MetricValue{Value: a.s.min, Valid: true}
	case OpMax:
		return MetricValue{Value: a.s.max, Valid: true}
	case OpVariance:
		v, ok := a.s.variance(0)
		return MetricValue{Value: v, Valid: ok}
	case OpVarianceSample:
		v, ok := a.s.variance(1)
		return MetricValue{Value: v, Valid: ok}
	case OpStdDev:
		v, ok := a.s.variance(0)
		return MetricValue{Value: math.Sqrt(v), Valid: ok}
	case OpStdDevSample:
		v, ok := a.s.variance(1)
		return MetricValue{Value: math.Sqrt(v), Valid: ok}
	}
	return MetricValue{}
}

type covarianceAcc struct {
	x, y string
	s    comoment
}

func (a *covarianceAcc) add(r Record) error {
	x, okX := r[a.x].Num()
	y, okY := r[a.y].Num()
	if !okX || !okY {
		return nil
	}
	return a.s.add(x, y)
}

func (a *covarianceAcc) result(counter) MetricValue {
	v, ok := a.s.covariance()
	return MetricValue{Value: v, Valid: ok}
}
