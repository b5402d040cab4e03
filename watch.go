package tracklab

import (
	"fmt"
	"math"
	"reflect"
	"sync"
)

// Watchable is the capability a model must expose to be watched: a snapshot
// of its named parameter tensors, flattened.
type Watchable interface {
	NamedParameters() map[string][]float64
}

// WatchAdapter recognizes a framework-specific model and wraps it as a
// Watchable. Adapters are tried in registration order; the first match
// wins.
type WatchAdapter func(model any) (Watchable, bool)

var (
	watchAdaptersMu sync.Mutex
	watchAdapters   []WatchAdapter
)

// RegisterWatchAdapter adds a framework adapter to the registry. Framework
// integration packages call this from their init functions.
func RegisterWatchAdapter(a WatchAdapter) {
	watchAdaptersMu.Lock()
	defer watchAdaptersMu.Unlock()
	watchAdapters = append(watchAdapters, a)
}

func init() {
	// Identity adapter: anything that already implements Watchable.
	RegisterWatchAdapter(func(model any) (Watchable, bool) {
		w, ok := model.(Watchable)
		return w, ok
	})
}

func adaptWatchable(model any) (Watchable, bool) {
	watchAdaptersMu.Lock()
	adapters := append([]WatchAdapter(nil), watchAdapters...)
	watchAdaptersMu.Unlock()
	for _, a := range adapters {
		if w, ok := a(model); ok {
			return w, true
		}
	}
	return nil, false
}

// WatchOption configures a Watch call.
type WatchOption func(*watchArgs)

type watchArgs struct {
	prefix  string
	logFreq int
}

// WithWatchPrefix namespaces the watcher's keys. Default "parameters".
func WithWatchPrefix(prefix string) WatchOption {
	return func(a *watchArgs) { a.prefix = prefix }
}

// WithLogFreq emits statistics every n committed log calls. Default 100.
func WithLogFreq(n int) WatchOption {
	return func(a *watchArgs) { a.logFreq = n }
}

// watcher periodically appends per-parameter statistics to committed rows.
type watcher struct {
	model   any
	target  Watchable
	prefix  string
	logFreq int
	counter int
	removed bool
}

// collect appends statistics to a row when the watcher's period elapses.
// User keys are never overridden.
func (w *watcher) collect(data map[string]any) {
	if w.removed {
		return
	}
	w.counter++
	if w.counter%w.logFreq != 0 {
		return
	}
	for name, values := range w.target.NamedParameters() {
		if len(values) == 0 {
			continue
		}
		stats := parameterStats(values)
		for stat, v := range stats {
			key := fmt.Sprintf("%s/%s.%s", w.prefix, name, stat)
			if _, taken := data[key]; !taken {
				data[key] = v
			}
		}
	}
}

func (w *watcher) remove() { w.removed = true }

// sameModel reports whether two registered models are the same. Reference
// kinds compare by identity; values of uncomparable types (a model struct
// holding a slice, say) never match rather than panicking.
func sameModel(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !ra.IsValid() || !rb.IsValid() || ra.Kind() != rb.Kind() {
		return a == nil && b == nil
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.Map, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	}
	if !ra.Comparable() || !rb.Comparable() {
		return false
	}
	return a == b
}

// parameterStats computes the summary statistics logged per parameter.
func parameterStats(values []float64) map[string]float64 {
	minV := math.Inf(1)
	maxV := math.Inf(-1)
	var sum, sumSq float64
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += v
		sumSq += v * v
	}
	n := float64(len(values))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return map[string]float64{
		"mean": mean,
		"std":  math.Sqrt(variance),
		"min":  minV,
		"max":  maxV,
		"norm": math.Sqrt(sumSq),
	}
}

// Watch registers a model for periodic parameter statistics, resolved
// through the adapter registry. Watching the same model twice is an error;
// unwatching is idempotent.
func (r *Run) Watch(model any, opts ...WatchOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.Watch"); err != nil {
		return err
	}

	args := watchArgs{prefix: "parameters", logFreq: 100}
	for _, opt := range opts {
		opt(&args)
	}
	if args.logFreq <= 0 {
		return usageErrorf("Run.Watch", "log_freq must be positive, got %d", args.logFreq)
	}

	for _, w := range r.watchers {
		if sameModel(w.model, model) && !w.removed {
			return usageErrorf("Run.Watch", "model is already watched")
		}
	}

	target, ok := adaptWatchable(model)
	if !ok {
		return usageErrorf("Run.Watch",
			"model %T is not watchable: no registered adapter recognizes it", model)
	}

	r.watchers = append(r.watchers, &watcher{
		model:   model,
		target:  target,
		prefix:  args.prefix,
		logFreq: args.logFreq,
	})
	return nil
}

// Unwatch removes a model's watcher. Unknown models are ignored.
func (r *Run) Unwatch(model any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check("Run.Unwatch"); err != nil {
		return err
	}
	for _, w := range r.watchers {
		if sameModel(w.model, model) {
			w.remove()
		}
	}
	return nil
}
