// Package trace supports OpenCensus tracing and metric collection for the
// portable types in this module.
package trace

import (
	"context"
	"reflect"
	"strings"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	octrace "go.opencensus.io/trace"

	"github.com/thatique/gudang/verr"
)

// A Tracer supports OpenCensus tracing and latency metrics.
type Tracer struct {
	Package        string
	Provider       string
	LatencyMeasure *stats.Float64Measure
}

// ProviderName returns the name of the provider associated with the driver
// value. It is intended to be used to set Tracer.Provider. It actually
// returns the package path of the driver's type.
func ProviderName(driver interface{}) string {
	if driver == nil {
		return ""
	}
	t := reflect.TypeOf(driver)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.PkgPath()
}

// Keys for tagging the collected measures.
var (
	MethodKey   = tag.MustNewKey("method")
	StatusKey   = tag.MustNewKey("status")
	ProviderKey = tag.MustNewKey("provider")
)

// LatencyMeasure returns the measure for method call latency used by the
// given package.
func LatencyMeasure(pkg string) *stats.Float64Measure {
	return stats.Float64(
		pkg+"/latency",
		"Latency of method call",
		stats.UnitMilliseconds)
}

// Views returns the views supported by the package: total method call
// counts and latency distributions per method, provider and status.
func Views(pkg string, latencyMeasure *stats.Float64Measure) []*view.View {
	return []*view.View{
		{
			Name:        pkg + "/completed_calls",
			Measure:     latencyMeasure,
			Description: "Count of method calls by provider, method and status.",
			TagKeys:     []tag.Key{ProviderKey, MethodKey, StatusKey},
			Aggregation: view.Count(),
		},
		{
			Name:        pkg + "/latency",
			Measure:     latencyMeasure,
			Description: "Distribution of method latency, by provider and method.",
			TagKeys:     []tag.Key{ProviderKey, MethodKey},
			Aggregation: ocDefaultLatencyDistribution,
		},
	}
}

var ocDefaultLatencyDistribution = view.Distribution(
	0, 25, 50, 75, 100, 200, 400, 600, 800, 1000, 2000, 4000, 6000)

type startTimeKey struct{}

// Start adds a span to the trace, and prepares for recording a latency
// measurement.
func (t *Tracer) Start(ctx context.Context, methodName string) context.Context {
	fullName := t.Package + "." + methodName
	ctx, _ = octrace.StartSpan(ctx, fullName)
	ctx, err := tag.New(ctx,
		tag.Upsert(MethodKey, fullName),
		tag.Upsert(ProviderKey, t.Provider))
	if err != nil {
		// The only possible errors are from invalid key or value names, and
		// those are fixed at compile time.
		panic(err)
	}
	return context.WithValue(ctx, startTimeKey{}, time.Now())
}

// End ends a span with the given error, and records a latency measurement.
func (t *Tracer) End(ctx context.Context, err error) {
	startTime := ctx.Value(startTimeKey{}).(time.Time)
	elapsed := time.Since(startTime)
	code := verr.Code(err)
	span := octrace.FromContext(ctx)
	if err != nil {
		span.SetStatus(octrace.Status{Code: int32(code), Message: err.Error()})
	}
	span.End()
	stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(StatusKey, codeString(code))},
		t.LatencyMeasure.M(float64(elapsed.Nanoseconds())/1e6))
}

func codeString(c verr.ErrorCode) string {
	return strings.ToUpper(c.String())
}
