package router

import (
	"math"
	"strconv"
	"strings"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
)

// AggregateFunc summarizes one field over the records of a page.
type AggregateFunc string

const (
	AggregateCount   AggregateFunc = "count"
	AggregateSum     AggregateFunc = "sum"
	AggregateMin     AggregateFunc = "min"
	AggregateMax     AggregateFunc = "max"
	AggregateAverage AggregateFunc = "average"
	AggregateFirst   AggregateFunc = "first"
	AggregateLast    AggregateFunc = "last"
)

// DefaultPrecision is the number of decimal digits aggregates are rounded
// to when a caller does not choose.
const DefaultPrecision = 2

func (f AggregateFunc) Valid() bool {
	switch f {
	case AggregateCount, AggregateSum, AggregateMin, AggregateMax, AggregateAverage, AggregateFirst, AggregateLast:
		return true
	}
	return false
}

// Aggregate asks for one summary of Field over the returned page. Field may
// be the result field. Decimal results are rounded to Precision digits; a
// negative Precision keeps them as computed.
type Aggregate struct {
	// Name keys the value in ResultSet.Aggregates. Defaults to
	// "<function>_<field>".
	Name      string
	Field     string
	Function  AggregateFunc
	Precision int
}

func (a Aggregate) key() string {
	if a.Name != "" {
		return a.Name
	}
	return string(a.Function) + "_" + a.Field
}

// bindAggregates checks every aggregate against the entity before any
// backend is called.
func bindAggregates(aggs []Aggregate, entity *schema.Entity, resultField string, hasFormula bool) error {
	keys := make(map[string]struct{}, len(aggs))
	for _, a := range aggs {
		if !a.Function.Valid() {
			return pqerrors.New(pqerrors.KindSyntaxError, "unknown aggregate function %q", a.Function).
				WithEntity(entity.Name).WithField(a.Field)
		}
		switch {
		case a.Field == resultField:
			if !hasFormula {
				return pqerrors.New(pqerrors.KindUnknownField, "aggregate over %q needs a formula", a.Field).
					WithEntity(entity.Name).WithField(a.Field)
			}
		default:
			if _, ok := entity.Field(a.Field); !ok {
				return pqerrors.New(pqerrors.KindUnknownField, "aggregate references unknown field %q", a.Field).
					WithEntity(entity.Name).WithField(a.Field)
			}
		}
		if _, dup := keys[a.key()]; dup {
			return pqerrors.New(pqerrors.KindSyntaxError, "aggregate %q requested twice", a.key()).
				WithEntity(entity.Name)
		}
		keys[a.key()] = struct{}{}
	}
	return nil
}

// fieldStats is the running summary of one field. Null values are skipped;
// values that are neither numbers nor numeric strings only count towards
// first and last.
type fieldStats struct {
	first, last record.Value
	seen        bool
	count       int64
	sum         float64
	min, max    float64
}

func (s *fieldStats) add(v record.Value) {
	if v.IsNull() {
		return
	}
	if !s.seen {
		s.first, s.seen = v, true
	}
	s.last = v

	f, ok := numeric(v)
	if !ok {
		return
	}
	if s.count == 0 {
		s.min, s.max = f, f
	}
	s.count++
	s.sum += f
	s.min = min(s.min, f)
	s.max = max(s.max, f)
}

func numeric(v record.Value) (float64, bool) {
	if f, ok := v.AsFloat(); ok {
		return f, true
	}
	if s, ok := v.AsString(); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func (s *fieldStats) value(fn AggregateFunc, precision int) record.Value {
	switch fn {
	case AggregateCount:
		return record.Int(s.count)
	case AggregateFirst:
		return roundValue(s.first, precision)
	case AggregateLast:
		return roundValue(s.last, precision)
	}
	if s.count == 0 {
		return record.Null
	}
	var f float64
	switch fn {
	case AggregateSum:
		f = s.sum
	case AggregateMin:
		f = s.min
	case AggregateMax:
		f = s.max
	case AggregateAverage:
		f = s.sum / float64(s.count)
	}
	return record.Float(round(f, precision))
}

func roundValue(v record.Value, precision int) record.Value {
	if v.Kind() != record.KindFloat {
		return v
	}
	f, _ := v.AsFloat()
	return record.Float(round(f, precision))
}

func round(f float64, precision int) float64 {
	if precision < 0 {
		return f
	}
	scale := math.Pow10(precision)
	return math.Round(f*scale) / scale
}

// aggregate summarizes records. The map is nil when nothing was asked.
func aggregate(aggs []Aggregate, records []*record.Record) map[string]record.Value {
	if len(aggs) == 0 {
		return nil
	}
	stats := map[string]*fieldStats{}
	for _, a := range aggs {
		if _, ok := stats[a.Field]; !ok {
			stats[a.Field] = &fieldStats{}
		}
	}
	for _, rec := range records {
		for field, s := range stats {
			v, _ := rec.Get(field)
			s.add(v)
		}
	}

	out := make(map[string]record.Value, len(aggs))
	for _, a := range aggs {
		out[a.key()] = stats[a.Field].value(a.Function, a.Precision)
	}
	return out
}
