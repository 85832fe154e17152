package flowtrace

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/event"
	"github.com/flowtrace/flowtrace-go/internal/filter"
	"github.com/flowtrace/flowtrace-go/internal/identity"
	"github.com/flowtrace/flowtrace-go/internal/logging"
	"github.com/flowtrace/flowtrace-go/internal/metrics"
	"github.com/flowtrace/flowtrace-go/internal/segment"
	"github.com/flowtrace/flowtrace-go/internal/serialize"
	"github.com/flowtrace/flowtrace-go/internal/writer"
)

// Tag identifies one logical execution context. See WithTag.
type Tag = identity.Tag

// Tracer is the runtime engine: it instruments callables, governs record
// sizes, and appends trace records durably. Construct with New; a Tracer
// is safe for concurrent use.
type Tracer struct {
	cfg      Config
	rules    *filter.RuleSet
	clock    *identity.Provider
	writer   *writer.Writer
	segments *segment.Store
	wrappers *wrapperRegistry
	log      *logging.Logger
	met      *metrics.Metrics
}

type options struct {
	logger     *zap.Logger
	clock      func() time.Time
	mirror     io.Writer
	registerer prometheus.Registerer
}

// Option adjusts Tracer construction.
type Option func(*options)

// WithLogger routes the engine's own diagnostics through the host's zap
// logger instead of the default stderr logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects the time source. Tests use this for deterministic
// timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithMirror mirrors every record to w in addition to the primary stream.
// Mirror failures never affect primary-stream durability.
func WithMirror(w io.Writer) Option {
	return func(o *options) { o.mirror = w }
}

// WithMetrics registers the engine's self-metrics (events, drops,
// truncations, segments) on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds a Tracer from an immutable configuration snapshot. A disabled
// configuration yields an inert tracer that opens no files and emits
// nothing.
func New(cfg Config, opts ...Option) (*Tracer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var log *logging.Logger
	if o.logger != nil {
		log = logging.FromZap(o.logger)
	} else {
		log = logging.NewDefault()
	}

	t := &Tracer{
		cfg:      cfg,
		log:      log,
		wrappers: newWrapperRegistry(),
		rules:    filter.NewRuleSet(cfg.Include, cfg.Exclude, log),
	}

	if o.clock != nil {
		t.clock = identity.NewProviderWithClock(o.clock)
	} else {
		t.clock = identity.NewProvider()
	}

	if !cfg.Enabled {
		return t, nil
	}

	if o.registerer != nil {
		met, err := metrics.New(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		t.met = met
	}

	mirror := o.mirror
	if mirror == nil && cfg.Stdout {
		mirror = os.Stdout
	}

	w, err := writer.New(cfg.LogFile, mirror, log, t.met)
	if err != nil {
		return nil, err
	}
	t.writer = w
	t.segments = segment.NewStore(cfg.SegmentDir, log)

	return t, nil
}

// Enabled reports whether the tracer emits records at all.
func (t *Tracer) Enabled() bool {
	return t != nil && t.cfg.Enabled
}

// ShouldInstrument reports whether a subject identifier is eligible for
// instrumentation under the configured rule set.
func (t *Tracer) ShouldInstrument(identifier string) bool {
	return t.Enabled() && t.rules.Allows(identifier)
}

// WithTag attaches a fresh execution tag to ctx. Propagate the returned
// context through a logical task to attribute all of its events to one
// execution context; contexts already carrying a tag pass through
// unchanged.
func (t *Tracer) WithTag(ctx context.Context) (context.Context, Tag) {
	return t.clock.WithTag(ctx)
}

// ResetRegistry clears the wrapper registry and bumps its generation.
// Intended for test-run teardown; previously returned wrappers keep
// working but are no longer recognized as already wrapped.
func (t *Tracer) ResetRegistry() {
	if t == nil {
		return
	}
	t.wrappers.Reset()
}

// Close flushes and closes the primary stream. Wrapped callables remain
// callable; their events are dropped (and the drop reported once).
func (t *Tracer) Close() error {
	if t == nil || t.writer == nil {
		return nil
	}
	return t.writer.Close()
}

// emit runs one record through governance and the writer. All engine-side
// failures degrade: a failed segment write falls back to the full record
// inline so no data is lost, and writer failures are the writer's own
// one-shot concern.
func (t *Tracer) emit(evt *event.Event) {
	governed, truncated := evt.Govern(t.cfg.TruncateThreshold)
	if truncated {
		ref, err := t.segments.Persist(evt)
		if err != nil {
			// The written record carries no truncation, so none is counted.
			t.log.Warn("segment write failed, record kept inline untruncated",
				zap.Error(err))
			governed = evt
		} else {
			governed.SegmentRef = ref
			t.met.Segment()
			for field := range governed.TruncatedFields {
				t.met.Truncated(field)
			}
		}
	}
	t.writer.Append(governed)
}

// Invocation is the manual pairing handle for call sites that cannot use
// automatic wrapping (generated code, multiple named returns). Obtain one
// from LogEnter; finish it with exactly one Exit or Exception call —
// later terminal calls are no-ops.
type Invocation struct {
	t       *Tracer
	subject string
	member  string
	tag     string
	start   time.Time
	active  bool
	done    atomic.Bool
}

// LogEnter emits an ENTER record and returns the invocation handle. The
// execution tag is taken from ctx when it carries one.
func (t *Tracer) LogEnter(ctx context.Context, subject, member string, args ...any) *Invocation {
	inv := &Invocation{t: t, subject: subject, member: member}
	if !t.Enabled() {
		return inv
	}
	inv.active = true
	inv.tag = string(t.clock.Tag(ctx))
	inv.start = t.clock.Now()
	t.emit(event.NewEnter(inv.tag, subject, member, serialize.ArgList(args), inv.start))
	return inv
}

// Exit emits the EXIT record for this invocation with the given results.
func (inv *Invocation) Exit(results ...any) {
	if !inv.terminal() {
		return
	}
	var rendered string
	switch len(results) {
	case 0:
	case 1:
		rendered = serialize.Value(results[0])
	default:
		rendered = serialize.ArgList(results)
	}
	t := inv.t
	t.emit(event.NewExit(inv.tag, inv.subject, inv.member, rendered, inv.start, t.clock.Now()))
}

// Exception emits the EXCEPTION record for this invocation. The caller
// remains responsible for propagating err itself; the engine only
// observes.
func (inv *Invocation) Exception(err any) {
	if !inv.terminal() {
		return
	}
	t := inv.t
	t.emit(event.NewException(inv.tag, inv.subject, inv.member, serialize.Error(err), inv.start, t.clock.Now()))
}

// terminal consumes the single terminal-event permission.
func (inv *Invocation) terminal() bool {
	if inv == nil || !inv.active {
		return false
	}
	return !inv.done.Swap(true)
}
