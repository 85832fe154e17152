// Package event defines the trace record and its size governance.
//
// The wire shape keeps the JSONL keys of the original agents (event,
// timestamp in microseconds, thread, class, method, durationMicros,
// durationMillis, truncatedFields, fullLogFile) so captured logs remain
// readable by existing downstream tooling.
package event

import (
	"time"

	"github.com/bytedance/sonic"

	"github.com/flowtrace/flowtrace-go/internal/serialize"
)

// Kind marks a record as invocation start, normal completion, or error
// completion.
type Kind string

const (
	Enter     Kind = "ENTER"
	Exit      Kind = "EXIT"
	Exception Kind = "EXCEPTION"
)

// FieldTruncation records what governance did to one oversized field.
type FieldTruncation struct {
	OriginalLength int `json:"originalLength"`
	Threshold      int `json:"threshold"`
}

// Event is one trace record. Duration fields are set only on terminal
// events; exactly one terminal event exists per ENTER.
type Event struct {
	Kind            Kind                       `json:"event"`
	Timestamp       int64                      `json:"timestamp"` // unix microseconds
	Thread          string                     `json:"thread"`    // execution-context tag
	Class           string                     `json:"class"`     // subject identifier
	Method          string                     `json:"method"`
	Args            string                     `json:"args,omitempty"`
	Result          string                     `json:"result,omitempty"`
	Exception       string                     `json:"exception,omitempty"`
	DurationMicros  *int64                     `json:"durationMicros,omitempty"`
	DurationMillis  *int64                     `json:"durationMillis,omitempty"`
	TruncatedFields map[string]FieldTruncation `json:"truncatedFields,omitempty"`
	SegmentRef      string                     `json:"fullLogFile,omitempty"`
}

// NewEnter builds an ENTER record.
func NewEnter(tag, subject, member, args string, at time.Time) *Event {
	return &Event{
		Kind:      Enter,
		Timestamp: at.UnixMicro(),
		Thread:    tag,
		Class:     subject,
		Method:    member,
		Args:      args,
	}
}

// NewExit builds an EXIT record with the duration measured from start.
func NewExit(tag, subject, member, result string, start, at time.Time) *Event {
	e := &Event{
		Kind:      Exit,
		Timestamp: at.UnixMicro(),
		Thread:    tag,
		Class:     subject,
		Method:    member,
		Result:    result,
	}
	e.setDuration(at.Sub(start))
	return e
}

// NewException builds an EXCEPTION record with the duration measured from
// start.
func NewException(tag, subject, member, errText string, start, at time.Time) *Event {
	e := &Event{
		Kind:      Exception,
		Timestamp: at.UnixMicro(),
		Thread:    tag,
		Class:     subject,
		Method:    member,
		Exception: errText,
	}
	e.setDuration(at.Sub(start))
	return e
}

func (e *Event) setDuration(d time.Duration) {
	micros := d.Microseconds()
	millis := micros / 1000
	e.DurationMicros = &micros
	e.DurationMillis = &millis
}

// TimestampMillis returns the record timestamp in milliseconds, the unit
// segment file names are keyed by.
func (e *Event) TimestampMillis() int64 {
	return e.Timestamp / 1000
}

// Govern applies the size threshold to the args and result fields
// independently. When neither field overflows (or governance is disabled
// by threshold <= 0) the event itself is returned with truncated=false.
// Otherwise a governed copy is returned: oversized fields cut to the
// threshold prefix plus marker, with truncation metadata attached. The
// receiver stays untouched so it can be persisted in full.
func (e *Event) Govern(threshold int) (*Event, bool) {
	if threshold <= 0 {
		return e, false
	}

	args, argsLen, argsCut := serialize.Bound(e.Args, threshold)
	result, resultLen, resultCut := serialize.Bound(e.Result, threshold)
	if !argsCut && !resultCut {
		return e, false
	}

	governed := *e
	governed.TruncatedFields = make(map[string]FieldTruncation, 2)
	if argsCut {
		governed.Args = args
		governed.TruncatedFields["args"] = FieldTruncation{
			OriginalLength: argsLen,
			Threshold:      threshold,
		}
	}
	if resultCut {
		governed.Result = result
		governed.TruncatedFields["result"] = FieldTruncation{
			OriginalLength: resultLen,
			Threshold:      threshold,
		}
	}
	return &governed, true
}

// Encode renders the record as a single JSONL line payload (no trailing
// newline).
func (e *Event) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// EncodePretty renders the record as indented JSON for segment files.
func (e *Event) EncodePretty() ([]byte, error) {
	return sonic.MarshalIndent(e, "", "  ")
}

// Decode parses one encoded record. Used by tests and segment readers.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := sonic.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
