// Package writer appends trace records to the primary stream.
//
// Each record occupies exactly one line. Only the physical append is
// serialized; callers keep running concurrently. A failed write drops the
// affected record and is reported once, not per event, and is never fatal
// to the host program. The optional mirror (typically a console) is
// independent: its failures never affect primary-stream durability.
package writer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/event"
	"github.com/flowtrace/flowtrace-go/internal/logging"
	"github.com/flowtrace/flowtrace-go/internal/metrics"
)

// Writer is a durable, concurrency-safe append sink for trace records.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
	log    *logging.Logger
	met    *metrics.Metrics
	failed atomic.Bool // arms the one-shot failure report
}

// New opens (or creates) the primary stream at path in append mode. An
// empty path configures a mirror-only writer.
func New(path string, mirror io.Writer, log *logging.Logger, met *metrics.Metrics) (*Writer, error) {
	if log == nil {
		log = logging.NewNop()
	}
	w := &Writer{mirror: mirror, log: log, met: met}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace log: %w", err)
		}
		w.file = f
	}
	return w, nil
}

// Append writes one record as a JSONL line. Records append in call order;
// a failure drops this record only and never blocks subsequent appends.
func (w *Writer) Append(evt *event.Event) {
	data, err := evt.Encode()
	if err != nil {
		w.dropped("encode trace record", err)
		return
	}
	line := append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if _, err := w.file.Write(line); err != nil {
			w.dropped("append trace record", err)
		} else {
			w.failed.Store(false) // stream recovered, re-arm the report
		}
	}

	if w.mirror != nil {
		// Mirror failures are deliberately ignored.
		_, _ = w.mirror.Write(line)
	}

	w.met.Event(string(evt.Kind))
}

// dropped records the loss and reports the first failure of an outage.
// Subsequent failures stay silent until a write succeeds again.
func (w *Writer) dropped(op string, err error) {
	w.met.Dropped()
	if !w.failed.Swap(true) {
		w.log.Error("trace record dropped, suppressing further reports until recovery",
			zap.String("op", op),
			zap.Error(err))
	}
}

// Close closes the primary stream. The mirror is owned by the caller and is
// left open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
