package tracklab

import (
	"math"
	"strings"
)

// MetricGoal declares the optimization direction for a metric.
type MetricGoal string

const (
	GoalMinimize MetricGoal = "minimize"
	GoalMaximize MetricGoal = "maximize"
)

// validSummaryAggs are the summary aggregations DefineMetric accepts.
var validSummaryAggs = map[string]bool{
	"min": true, "max": true, "mean": true, "last": true, "first": true, "none": true,
}

// MetricDef is a registered display/aggregation policy for one metric name.
type MetricDef struct {
	Name       string
	Glob       bool // Name ends in "*" and matches logged keys by pattern
	StepMetric string
	StepSync   bool
	Hidden     bool
	Summary    []string
	Goal       MetricGoal

	// Aggregation state for mean.
	count int64
	sum   float64
}

// DefineMetricOption configures DefineMetric.
type DefineMetricOption func(*metricArgs)

type metricArgs struct {
	stepMetric *string
	stepSync   *bool
	hidden     *bool
	summary    *string
	goal       *string
	overwrite  bool
}

// WithStepMetric uses another logged metric as this metric's x-axis.
func WithStepMetric(name string) DefineMetricOption {
	return func(a *metricArgs) { a.stepMetric = &name }
}

// WithStepSync controls whether the step metric's latest value is inserted
// into rows that omit it. Defaults to true when a step metric is set.
func WithStepSync(sync bool) DefineMetricOption {
	return func(a *metricArgs) { a.stepSync = &sync }
}

// WithHidden hides the metric from automatic plots.
func WithHidden(hidden bool) DefineMetricOption {
	return func(a *metricArgs) { a.hidden = &hidden }
}

// WithSummary selects summary aggregations, comma-separated
// ("min,max", "mean", "last", ...).
func WithSummary(aggs string) DefineMetricOption {
	return func(a *metricArgs) { a.summary = &aggs }
}

// WithGoal declares the optimization direction ("minimize" or "maximize").
func WithGoal(goal string) DefineMetricOption {
	return func(a *metricArgs) { a.goal = &goal }
}

// WithOverwrite replaces any existing definition instead of merging into it.
func WithOverwrite() DefineMetricOption {
	return func(a *metricArgs) { a.overwrite = true }
}

// buildMetricDef validates arguments and merges them into prev (unless
// overwrite). Validation failures name the offending argument and its
// expected form.
func buildMetricDef(name string, prev *MetricDef, opts ...DefineMetricOption) (*MetricDef, error) {
	if name == "" {
		return nil, usageErrorf("Run.DefineMetric", "name: expected a non-empty string")
	}
	var args metricArgs
	for _, opt := range opts {
		opt(&args)
	}

	def := &MetricDef{Name: name, Glob: strings.HasSuffix(name, "*")}
	if prev != nil && !args.overwrite {
		copied := *prev
		def = &copied
	}

	if args.stepMetric != nil {
		if *args.stepMetric == name {
			return nil, usageErrorf("Run.DefineMetric", "step_metric: a metric cannot be its own step metric")
		}
		def.StepMetric = *args.stepMetric
		// step_sync defaults to true only when a step metric is given.
		def.StepSync = true
	}
	if args.stepSync != nil {
		if def.StepMetric == "" && *args.stepSync {
			return nil, usageErrorf("Run.DefineMetric", "step_sync: requires step_metric to be set")
		}
		def.StepSync = *args.stepSync
	}
	if args.hidden != nil {
		def.Hidden = *args.hidden
	}
	if args.summary != nil {
		var aggs []string
		for _, a := range strings.Split(*args.summary, ",") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if !validSummaryAggs[a] {
				return nil, usageErrorf("Run.DefineMetric",
					"summary: %q is not a valid aggregation (want min, max, mean, last, first, or none)", a)
			}
			aggs = append(aggs, a)
		}
		def.Summary = aggs
	}
	if args.goal != nil {
		switch MetricGoal(*args.goal) {
		case GoalMinimize, GoalMaximize:
			def.Goal = MetricGoal(*args.goal)
		default:
			return nil, usageErrorf("Run.DefineMetric", "goal: %q is not valid (want minimize or maximize)", *args.goal)
		}
	}
	return def, nil
}

// applySummary folds a newly logged value into the summary under the
// metric's aggregation policy. Returns the values to store keyed by summary
// key ("loss.max" style suffixes for non-default aggregations).
func (d *MetricDef) applySummary(key string, v float64, summary *Summary) {
	aggs := d.Summary
	if len(aggs) == 0 {
		aggs = []string{"last"}
	}
	for _, agg := range aggs {
		switch agg {
		case "none":
			continue
		case "last":
			_ = summary.Set(key, v)
		case "first":
			if _, ok := summary.Get(key); !ok {
				_ = summary.Set(key, v)
			}
		case "max":
			prev := math.Inf(-1)
			if cur, ok := summary.Get(key + ".max"); ok {
				prev = asFloat(cur)
			}
			_ = summary.Set(key+".max", math.Max(prev, v))
		case "min":
			prev := math.Inf(1)
			if cur, ok := summary.Get(key + ".min"); ok {
				prev = asFloat(cur)
			}
			_ = summary.Set(key+".min", math.Min(prev, v))
		case "mean":
			d.count++
			d.sum += v
			_ = summary.Set(key+".mean", d.sum/float64(d.count))
		}
	}
}

// asFloat coerces JSON-decoded numerics.
func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return 0
}
