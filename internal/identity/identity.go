// Package identity supplies monotonic timing and execution-context tags.
//
// Tags ride on context.Context, the platform's native carrier for
// execution-scoped values; nothing here parses stack traces. A tag minted
// once and propagated through a context attributes every event of that
// logical task to the same execution context.
package identity

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tag identifies one logical execution context for event attribution.
type Tag string

// Prefixes keep tags readable in captured logs.
const (
	ContextPrefix = "ctx"
	ProcessPrefix = "proc"
)

type contextKey struct{}

var tagKey contextKey

// Provider mints tags and supplies the clock used for durations.
type Provider struct {
	now       func() time.Time
	process   Tag
	entropy   io.Reader
	entropyMu sync.Mutex // entropy readers are not safe for concurrent use
}

// NewProvider creates a provider backed by the wall clock. time.Time values
// it returns carry Go's monotonic reading, so durations are immune to clock
// adjustments.
func NewProvider() *Provider {
	return NewProviderWithClock(time.Now)
}

// NewProviderWithClock creates a provider with an injected clock. Tests use
// this for deterministic timing.
func NewProviderWithClock(now func() time.Time) *Provider {
	p := &Provider{
		now:     now,
		entropy: rand.Reader,
	}
	p.process = Tag(ProcessPrefix + "_" + p.newULID())
	return p
}

// Now returns the current time from the provider's clock.
func (p *Provider) Now() time.Time {
	return p.now()
}

// Tag returns the execution tag carried by ctx, or the process-wide tag when
// the context carries none.
func (p *Provider) Tag(ctx context.Context) Tag {
	if ctx != nil {
		if tag, ok := ctx.Value(tagKey).(Tag); ok && tag != "" {
			return tag
		}
	}
	return p.process
}

// WithTag attaches a fresh execution tag to ctx and returns both. Contexts
// that already carry a tag are returned unchanged.
func (p *Provider) WithTag(ctx context.Context) (context.Context, Tag) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tag, ok := ctx.Value(tagKey).(Tag); ok && tag != "" {
		return ctx, tag
	}
	tag := Tag(ContextPrefix + "_" + p.newULID())
	return context.WithValue(ctx, tagKey, tag), tag
}

// ProcessTag returns the tag used for events with no context attribution.
func (p *Provider) ProcessTag() Tag {
	return p.process
}

func (p *Provider) newULID() string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}
