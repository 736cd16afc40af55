// Package failure defines the typed error taxonomy shared by the build
// pipeline and the router. Callers branch on Kind, never on message text.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	SourceAcquisition
	Validation
	BuildExecution
	Upload
	ContainerStart
	Proxy
	UsageLogging
)

func (k Kind) String() string {
	switch k {
	case SourceAcquisition:
		return "source_acquisition"
	case Validation:
		return "validation"
	case BuildExecution:
		return "build_execution"
	case Upload:
		return "upload"
	case ContainerStart:
		return "container_start"
	case Proxy:
		return "proxy"
	case UsageLogging:
		return "usage_logging"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the operation that failed.
// Code holds a process exit code for BuildExecution failures.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a failure without an underlying cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode returns the exit code carried by err, if any.
func ExitCode(err error) (int, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == BuildExecution && fe.Code != 0 {
		return fe.Code, true
	}
	return 0, false
}

// HTTPStatus maps a kind onto the response status the router returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Proxy:
		return http.StatusBadGateway
	case Validation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
