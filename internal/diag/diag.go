// Package diag implements the compiler's error taxonomy (spec §7):
// Semantic, Layout, CFG and Codegen-internal diagnostics, each carrying a
// source location, collected per compilation phase so the driver can
// decide whether to abort at the end of that phase.
package diag

import (
	"fmt"

	"github.com/pkg/errors"
)

// Phase identifies which compilation phase raised a diagnostic.
type Phase int

const (
	PhaseSemantic Phase = iota
	PhaseLayout
	PhaseCFG
	PhaseCodegen
)

func (p Phase) String() string {
	switch p {
	case PhaseSemantic:
		return "semantic"
	case PhaseLayout:
		return "layout"
	case PhaseCFG:
		return "cfg"
	case PhaseCodegen:
		return "codegen"
	default:
		return "unknown"
	}
}

// Location is the (file, line) pair every diagnostic is anchored to.
type Location struct {
	File string
	Line int
}

// Diagnostic is one reported error or warning. Its Error() method
// produces the exact "<file>:<line>: <message>" wire format §7 mandates.
type Diagnostic struct {
	Phase    Phase
	Loc      Location
	Message  string
	Severity Severity
	cause    error
}

// Severity distinguishes a hard error (aborts the phase) from a warning
// (reported like any other diagnostic but does not, by itself, fail
// compilation).
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (d *Diagnostic) Error() string {
	file := d.Loc.File
	if file == "" {
		file = "<input>"
	}
	return fmt.Sprintf("%s:%d: %s", file, d.Loc.Line, d.Message)
}

// Unwrap lets errors.Is/errors.As see through to whatever underlying
// error (if any) this diagnostic wraps.
func (d *Diagnostic) Unwrap() error { return d.cause }

// newDiag builds a Diagnostic with no underlying cause; Wrap attaches one.
func newDiag(phase Phase, loc Location, sev Severity, format string, args ...interface{}) *Diagnostic {
	msg := fmt.Sprintf(format, args...)
	return &Diagnostic{Phase: phase, Loc: loc, Message: msg, Severity: sev}
}

// TypeError reports a semantic type error (§4.2 failure semantics:
// duplicate declaration with conflicting type, field reference into a
// non-record, lookup of an undeclared field).
func TypeError(loc Location, format string, args ...interface{}) *Diagnostic {
	return newDiag(PhaseSemantic, loc, SeverityError, format, args...)
}

// LayoutError reports a record-layout failure (§7: a record contains
// itself directly, making its size infinite).
func LayoutError(loc Location, format string, args ...interface{}) *Diagnostic {
	return newDiag(PhaseLayout, loc, SeverityError, format, args...)
}

// CFGError reports a control-flow error detected while building the CFG
// (§7: unreachable label, NEXT without FOR, EXIT outside loop/function).
func CFGError(loc Location, format string, args ...interface{}) *Diagnostic {
	return newDiag(PhaseCFG, loc, SeverityError, format, args...)
}

// CodegenError reports an emitter invariant violation (§7: e.g. an
// unresolved GOTO target). Per §7 this does not abort emission by
// itself — the caller is expected to also emit the "# ERROR: ..." IL
// comment and a safe placeholder value, then continue.
func CodegenError(loc Location, format string, args ...interface{}) *Diagnostic {
	return newDiag(PhaseCodegen, loc, SeverityError, format, args...)
}

// CodegenWarning reports a recoverable emitter inconsistency (§7: unknown
// node kind, unresolved symbol) that produces a placeholder rather than
// aborting.
func CodegenWarning(loc Location, format string, args ...interface{}) *Diagnostic {
	return newDiag(PhaseCodegen, loc, SeverityWarning, format, args...)
}

// Wrap attaches an underlying cause to a diagnostic, preserving it for
// errors.Cause while keeping the diagnostic's own location-anchored
// message as the outer, user-visible text.
func (d *Diagnostic) Wrap(cause error) *Diagnostic {
	d.cause = errors.WithStack(cause)
	return d
}

// Sink accumulates diagnostics across a single compilation phase.
type Sink struct {
	items []*Diagnostic
}

// NewSink returns an empty Sink.
func NewSink() *Sink { return &Sink{} }

// Report records a diagnostic.
func (s *Sink) Report(d *Diagnostic) { s.items = append(s.items, d) }

// Errorf is a convenience that builds and records a generic phase error.
func (s *Sink) Errorf(phase Phase, loc Location, format string, args ...interface{}) {
	s.Report(newDiag(phase, loc, SeverityError, format, args...))
}

// All returns every diagnostic reported so far, in report order.
func (s *Sink) All() []*Diagnostic { return s.items }

// Fatal reports whether any accumulated diagnostic is a hard error
// (§7: "the driver collects errors per phase and aborts at the end of
// that phase if any were reported").
func (s *Sink) Fatal() bool {
	for _, d := range s.items {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Empty reports whether no diagnostics were recorded.
func (s *Sink) Empty() bool { return len(s.items) == 0 }

// PartialOutputAllowed implements §7's override: "unless TRACE_* or
// DEBUG_IL is set, in which case partial output is still emitted for
// inspection".
func PartialOutputAllowed(traceEnabled bool) bool { return traceEnabled }
