// Package errors provides standardized error handling patterns for EnergySense
// components.
//
// # Overview
//
// The errors package implements a three-class error classification system for
// streaming telemetry processing: Transient (temporary, retryable), Invalid
// (bad input, non-retryable), and Fatal (unrecoverable, stop processing).
//
// Classification lets components make informed decisions about retries and
// graceful degradation without hardcoded error string matching. A malformed
// telemetry row is Invalid and gets dropped; a lost broker connection is
// Transient and gets retried; a broken configuration is Fatal and stops the
// process at startup.
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if _, ok := labels[ev.BlockID]; !ok {
//	    return errors.ErrUnknownBlock
//	}
//
// Wrap errors with component context:
//
//	if err := dec.Decode(&row); err != nil {
//	    return errors.WrapInvalid(err, "FileTail", "parse", "decode row")
//	}
//
// Check classification for handling decisions:
//
//	if errors.IsInvalid(err) {
//	    metrics.droppedEvents.Inc()
//	    continue // drop this event, keep the stream alive
//	}
//
// # Error Wrapping Pattern
//
// All wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// The format keeps log parsing and operational monitoring consistent across
// the pipeline. WrapTransient, WrapInvalid, and WrapFatal attach a class while
// wrapping; the generic Wrap adds context without asserting a class.
//
// # Propagation Policy
//
// No error in a single event's or single block's handling may halt processing
// for other events or blocks. Invalid errors are counted and logged at the
// point of drop; Transient errors degrade the affected source or subscriber
// only; Fatal errors are reserved for startup validation and resource
// exhaustion.
package errors
