package flowtrace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/event"
	"github.com/flowtrace/flowtrace-go/internal/serialize"
)

func newTestTracer(t *testing.T, mutate func(*Config), opts ...Option) *Tracer {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LogFile = filepath.Join(dir, "trace.jsonl")
	cfg.SegmentDir = filepath.Join(dir, "segments")
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := New(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func readTraceLog(t *testing.T, tr *Tracer) []*event.Event {
	t.Helper()
	data, err := os.ReadFile(tr.cfg.LogFile)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var events []*event.Event
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		evt, err := event.Decode([]byte(line))
		require.NoError(t, err)
		events = append(events, evt)
	}
	return events
}

func TestTracerTruncatesAndSegmentsOversizedResult(t *testing.T) {
	tr := newTestTracer(t, nil)

	long := strings.Repeat("x", 5000)
	fetch := tr.WrapNamed(func() string { return long }, "store/blob", "Fetch").(func() string)
	assert.Equal(t, long, fetch(), "instrumentation never alters the returned value")

	events := readTraceLog(t, tr)
	require.Len(t, events, 2)

	exit := events[1]
	require.Equal(t, event.Exit, exit.Kind)
	assert.Len(t, exit.Result, 1000+len(serialize.TruncationMarker))
	assert.True(t, strings.HasSuffix(exit.Result, serialize.TruncationMarker))
	assert.Equal(t, long[:1000], strings.TrimSuffix(exit.Result, serialize.TruncationMarker))

	require.Contains(t, exit.TruncatedFields, "result")
	assert.Equal(t, 5000, exit.TruncatedFields["result"].OriginalLength)
	assert.Equal(t, 1000, exit.TruncatedFields["result"].Threshold)

	require.NotEmpty(t, exit.SegmentRef)
	data, err := os.ReadFile(exit.SegmentRef)
	require.NoError(t, err)
	full, err := event.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, long, full.Result)
	assert.Empty(t, full.TruncatedFields, "segments hold the record before governance")
	assert.Empty(t, full.SegmentRef)

	enter := events[0]
	assert.Equal(t, event.Enter, enter.Kind)
	assert.Empty(t, enter.TruncatedFields)
	assert.Empty(t, enter.SegmentRef)
}

func TestTracerUnderThresholdLeavesNoSegments(t *testing.T) {
	tr := newTestTracer(t, nil)

	fetch := tr.WrapNamed(func() string { return "small" }, "store/blob", "Fetch").(func() string)
	fetch()

	events := readTraceLog(t, tr)
	require.Len(t, events, 2)
	assert.Empty(t, events[1].TruncatedFields)
	assert.Empty(t, events[1].SegmentRef)

	_, err := os.Stat(tr.cfg.SegmentDir)
	assert.True(t, os.IsNotExist(err), "no overflow, no segment directory")
}

func TestTracerZeroThresholdDisablesGovernance(t *testing.T) {
	tr := newTestTracer(t, func(cfg *Config) { cfg.TruncateThreshold = 0 })

	long := strings.Repeat("x", 5000)
	fetch := tr.WrapNamed(func() string { return long }, "store/blob", "Fetch").(func() string)
	fetch()

	events := readTraceLog(t, tr)
	require.Len(t, events, 2)
	assert.Equal(t, long, events[1].Result, "the full value stays inline")
	assert.Empty(t, events[1].TruncatedFields)

	_, err := os.Stat(tr.cfg.SegmentDir)
	assert.True(t, os.IsNotExist(err))
}

func TestInvocationPairing(t *testing.T) {
	tr := newTestTracer(t, nil)

	inv := tr.LogEnter(context.Background(), "report/gen", "Render", "monthly", 12)
	inv.Exit("done")
	inv.Exception("late")
	inv.Exit("again")

	events := readTraceLog(t, tr)
	require.Len(t, events, 2, "exactly one terminal record per invocation")

	enter, exit := events[0], events[1]
	assert.Equal(t, event.Enter, enter.Kind)
	assert.Equal(t, `["monthly",12]`, enter.Args)
	assert.Equal(t, "report/gen", enter.Class)
	assert.Equal(t, "Render", enter.Method)
	assert.Nil(t, enter.DurationMicros)

	assert.Equal(t, event.Exit, exit.Kind)
	assert.Equal(t, "done", exit.Result)
	assert.Equal(t, enter.Thread, exit.Thread)
	require.NotNil(t, exit.DurationMicros)
	require.NotNil(t, exit.DurationMillis)
	assert.Equal(t, *exit.DurationMicros/1000, *exit.DurationMillis)
}

func TestInvocationException(t *testing.T) {
	tr := newTestTracer(t, nil)

	inv := tr.LogEnter(context.Background(), "report/gen", "Render")
	inv.Exception(assert.AnError)

	events := readTraceLog(t, tr)
	require.Len(t, events, 2)
	exc := events[1]
	assert.Equal(t, event.Exception, exc.Kind)
	assert.Equal(t, assert.AnError.Error(), exc.Exception)
	assert.NotNil(t, exc.DurationMicros)
}

func TestDisabledTracerIsInert(t *testing.T) {
	tr := newTestTracer(t, func(cfg *Config) { cfg.Enabled = false })

	fn := func(a int) int { return a }
	assert.NotNil(t, tr.Wrap(fn, "calc/ops"))
	got := tr.Wrap(fn, "calc/ops").(func(int) int)
	assert.Equal(t, 7, got(7))

	inv := tr.LogEnter(context.Background(), "calc/ops", "Identity", 7)
	inv.Exit(7)

	_, err := os.Stat(tr.cfg.LogFile)
	assert.True(t, os.IsNotExist(err), "a disabled tracer opens no files")
	assert.False(t, tr.ShouldInstrument("calc/ops"))
}

func TestTracerMirrorOption(t *testing.T) {
	var mirror bytes.Buffer
	tr := newTestTracer(t, nil, WithMirror(&mirror))

	double := tr.WrapNamed(func(n int) int { return n * 2 }, "calc/ops", "Double").(func(int) int)
	double(21)

	fileData, err := os.ReadFile(tr.cfg.LogFile)
	require.NoError(t, err)
	assert.Equal(t, string(fileData), mirror.String())
}

func TestTracerSelfMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := newTestTracer(t, nil, WithMetrics(reg))

	long := strings.Repeat("x", 5000)
	fetch := tr.WrapNamed(func() string { return long }, "store/blob", "Fetch").(func() string)
	fetch()

	families, err := reg.Gather()
	require.NoError(t, err)

	totals := map[string]float64{}
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		totals[mf.GetName()] = sum
	}

	assert.Equal(t, 2.0, totals["flowtrace_events_total"])
	assert.Equal(t, 1.0, totals["flowtrace_truncated_fields_total"])
	assert.Equal(t, 1.0, totals["flowtrace_segments_total"])
	assert.Zero(t, totals["flowtrace_dropped_records_total"])
}

func TestTracerSegmentFailureKeepsRecordInline(t *testing.T) {
	reg := prometheus.NewRegistry()
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	tr := newTestTracer(t, func(cfg *Config) {
		cfg.SegmentDir = filepath.Join(blocker, "segments")
	}, WithMetrics(reg))

	long := strings.Repeat("x", 5000)
	fetch := tr.WrapNamed(func() string { return long }, "store/blob", "Fetch").(func() string)
	fetch()

	events := readTraceLog(t, tr)
	require.Len(t, events, 2)
	exit := events[1]
	assert.Equal(t, long, exit.Result, "no segment, no data loss: the full value stays inline")
	assert.Empty(t, exit.TruncatedFields)
	assert.Empty(t, exit.SegmentRef)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "flowtrace_truncated_fields_total" || mf.GetName() == "flowtrace_segments_total" {
			for _, m := range mf.GetMetric() {
				assert.Zero(t, m.GetCounter().GetValue(),
					"%s counts only what the written records carry", mf.GetName())
			}
		}
	}
}

func TestTracerWithTag(t *testing.T) {
	tr := newTestTracer(t, nil)

	ctx, tag := tr.WithTag(context.Background())
	assert.True(t, strings.HasPrefix(string(tag), "ctx_"))

	same, again := tr.WithTag(ctx)
	assert.Equal(t, tag, again)
	assert.Equal(t, ctx, same)
}
