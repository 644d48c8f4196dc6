package gate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure a gate operation can report. The set is
// closed: transports map each kind to their own status codes.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindKeyNotAuthorized
	KindInvalidSignature
	KindKeyFormat
	KindUnauthorized
	KindManagedFileMissing
	KindTestFileMissing
	KindCoverageNotMet
	KindGitCommand
	KindDeploymentNotFound
	KindInvalidState
	KindStoreUnavailable
	KindAgentNotFound
)

var kindNames = map[ErrorKind]string{
	KindInternal:           "Internal",
	KindKeyNotAuthorized:   "KeyNotAuthorized",
	KindInvalidSignature:   "InvalidSignature",
	KindKeyFormat:          "KeyFormatError",
	KindUnauthorized:       "Unauthorized",
	KindManagedFileMissing: "ManagedFileMissing",
	KindTestFileMissing:    "TestFileMissing",
	KindCoverageNotMet:     "CoverageNotMet",
	KindGitCommand:         "GitCommandError",
	KindDeploymentNotFound: "DeploymentNotFound",
	KindInvalidState:       "InvalidState",
	KindStoreUnavailable:   "StoreUnavailableError",
	KindAgentNotFound:      "AgentNotFound",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a classified gate failure. Message is safe to show to the caller;
// Err carries the underlying cause for server-side logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrKeyNotAuthorized   = &Error{Kind: KindKeyNotAuthorized}
	ErrInvalidSignature   = &Error{Kind: KindInvalidSignature}
	ErrKeyFormat          = &Error{Kind: KindKeyFormat}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrManagedFileMissing = &Error{Kind: KindManagedFileMissing}
	ErrTestFileMissing    = &Error{Kind: KindTestFileMissing}
	ErrCoverageNotMet     = &Error{Kind: KindCoverageNotMet}
	ErrGitCommand         = &Error{Kind: KindGitCommand}
	ErrDeploymentNotFound = &Error{Kind: KindDeploymentNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrStoreUnavailable   = &Error{Kind: KindStoreUnavailable}
	ErrAgentNotFound      = &Error{Kind: KindAgentNotFound}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a sentinel (an Error with no message) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// GitCommandError reports a git invocation that exited non-zero or could not
// be started. ExitCode is -1 when the process never produced an exit status.
type GitCommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *GitCommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "git %s: exit code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GitCommandError) Unwrap() error { return e.Err }

func (e *GitCommandError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == KindGitCommand
}

// KindOf returns the classification of err, or KindInternal when err carries
// no gate classification.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var g *GitCommandError
	if errors.As(err, &g) {
		return KindGitCommand
	}
	return KindInternal
}

// PublicMessage returns the caller-facing description of err. Internal
// errors are reduced to a generic message so causes stay in server logs.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindGitCommand || e.Kind == KindStoreUnavailable {
			return e.Error()
		}
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.String()
	}
	var g *GitCommandError
	if errors.As(err, &g) {
		return g.Error()
	}
	return "internal error"
}
