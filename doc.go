// Package flowtrace instruments callables so their invocation boundaries
// produce structured trace records, and stores those records durably under
// size governance.
//
// Each wrapped invocation emits an ENTER record before the original runs
// and exactly one terminal record (EXIT or EXCEPTION) once it completes.
// Synchronous results and errors are classified in place; a returned value
// satisfying Awaitable marks the invocation as asynchronous, and the
// terminal record is emitted on settlement while the caller receives the
// untouched handle immediately.
//
// Oversized args/result fields are truncated in the main JSONL stream and
// the full record is persisted as a side segment file, referenced from the
// truncated entry, so nothing is ever unrecoverable.
//
// Basic usage:
//
//	cfg, _ := flowtrace.LoadEnv()
//	tracer, err := flowtrace.New(cfg)
//	if err != nil {
//	    // ...
//	}
//	defer tracer.Close()
//
//	multiply := tracer.Wrap(Multiply, "calc/ops").(func(int, int) int)
//	multiply(6, 7) // ENTER + EXIT recorded
//
// Call sites that cannot use automatic wrapping (generated code, multiple
// named returns) use the primitive pairing API:
//
//	inv := tracer.LogEnter(ctx, "calc/ops", "Divide", a, b)
//	q, r, err := divide(a, b)
//	if err != nil {
//	    inv.Exception(err)
//	    return q, r, err
//	}
//	inv.Exit(q, r)
//
// The engine is strictly observational: errors and panics are recorded and
// then propagated with their identity unchanged, and the wrapper adds no
// concurrency of its own.
package flowtrace
