// Package batcherrors contains the errors shared by the slurmbatch components.
// Callers discriminate between them with errors.As; every error carries enough context
// (allocation id, pseudo ids, lock path) for an operator to intervene by hand.
//
// If several independent operations fail (e.g. rewriting the dependencies of several pending
// allocations) the failing function returns a multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates the individual errors.
package batcherrors

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrParse is returned when a dependency expression is malformed.
type ErrParse struct {
	// The text that could not be parsed
	Text string
	// Why the text was rejected
	Message string
}

func (err *ErrParse) Error() string {
	return fmt.Sprintf("invalid dependency expression %q: %s", err.Text, err.Message)
}

// ErrUnsupportedDelimiter is returned when a dependency expression uses the "any-of" separator.
// Only conjunctions of clauses are supported.
type ErrUnsupportedDelimiter struct {
	Text      string
	Delimiter string
}

func (err *ErrUnsupportedDelimiter) Error() string {
	return fmt.Sprintf("invalid dependency expression %q: delimiter %q is not supported", err.Text, err.Delimiter)
}

// As lets errors.As match an ErrUnsupportedDelimiter against *ErrParse.
func (err *ErrUnsupportedDelimiter) As(target interface{}) bool {
	if t, ok := target.(**ErrParse); ok {
		*t = &ErrParse{Text: err.Text, Message: fmt.Sprintf("delimiter %q is not supported", err.Delimiter)}
		return true
	}
	return false
}

// ErrLockTimeout is returned when an exclusive lock could not be acquired within its bounded wait.
// It is always fatal at the point of occurrence.
type ErrLockTimeout struct {
	// Lock scope, e.g. "exclude_gpu"
	Scope string
	// Backing resource, e.g. the lock file path or the redis key
	Path    string
	Timeout time.Duration
}

func (err *ErrLockTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %q (%s)", err.Timeout, err.Scope, err.Path)
}

// ErrSubmission is returned when the workload manager rejects a submission.
type ErrSubmission struct {
	// Display name of the rejected allocation
	Name string
	// Pseudo ids carried by the rejected allocation, if any
	PseudoIds []int
	// Output of the submission command
	Output string
}

func (err *ErrSubmission) Error() (s string) {
	s = fmt.Sprintf("submission of allocation %q rejected", err.Name)
	if len(err.PseudoIds) > 0 {
		s += fmt.Sprintf(" (pseudo ids %v)", err.PseudoIds)
	}
	if out := strings.TrimSpace(err.Output); out != "" {
		s += fmt.Sprintf(": %s", out)
	}
	return
}

// ErrConfiguration is returned for missing or invalid operator configuration.
// Message is optional and is omitted from the error message if not provided.
type ErrConfiguration struct {
	Field   string      // Name of the configuration entry, e.g. "jobTypes"
	Value   interface{} // The offending value
	Message string
}

func (err *ErrConfiguration) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("invalid configuration: value %v is invalid for %q", err.Value, err.Field)
	}
	return fmt.Sprintf("invalid configuration: value %v is invalid for %q; %s", err.Value, err.Field, err.Message)
}

// ErrResourceInsufficient describes nodes that do not have enough memory for the allocation.
// It drives the rerun path of the resource guard and is not reported as a failure.
type ErrResourceInsufficient struct {
	AllocationId string
	Nodes        []string
}

func (err *ErrResourceInsufficient) Error() string {
	return fmt.Sprintf("allocation %s has insufficient memory on nodes %s", err.AllocationId, strings.Join(err.Nodes, ","))
}

// IsLockTimeout returns true if err or any error it wraps is an ErrLockTimeout.
func IsLockTimeout(err error) bool {
	var e *ErrLockTimeout
	return errors.As(err, &e)
}

// IsParse returns true if err or any error it wraps is a dependency parse error.
func IsParse(err error) bool {
	var e *ErrParse
	return errors.As(err, &e)
}
