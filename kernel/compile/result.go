package compile

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindCompilation Kind = "compilation"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageValidation             Stage = "validation"
	StageTypesetting            Stage = "typesetting"
	StageBibliographyResolution Stage = "bibliography-resolution"
)

// Failure is a user-facing compilation outcome. It is part of a Result,
// not an operational error, but implements error for callers that want to
// treat it as one.
type Failure struct {
	Kind   Kind   `json:"kind"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
	// Diagnostic carries the labeled toolchain logs of a compilation
	// failure. Empty for validation failures.
	Diagnostic string `json:"diagnostic,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("compile: %s failed: %s", f.Stage, f.Reason)
}

// PassResult records one sandbox invocation.
type PassResult struct {
	Stage    Stage         `json:"stage"`
	ExitCode int           `json:"exit_code"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	// Error is set when the pass was terminated, e.g. by a timeout.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of one compilation request.
type Result struct {
	SessionID string       `json:"session_id"`
	Status    Status       `json:"status"`
	Output    string       `json:"output,omitempty"`
	Failure   *Failure     `json:"failure,omitempty"`
	Passes    []PassResult `json:"passes,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

func (r Result) exitCodes() []int {
	out := make([]int, 0, len(r.Passes))
	for _, pass := range r.Passes {
		out = append(out, pass.ExitCode)
	}
	return out
}

// SandboxInvocationError reports that a pass could not be started at all.
// No artifacts of the attempt are trusted.
type SandboxInvocationError struct {
	Stage Stage
	Err   error
}

func (e *SandboxInvocationError) Error() string {
	return fmt.Sprintf("compile: %s pass could not be started: %v", e.Stage, e.Err)
}

func (e *SandboxInvocationError) Unwrap() error { return e.Err }
