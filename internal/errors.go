package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// FaultKind says which side of the sync layer failed.
type FaultKind int

const (
	// StorageFault is a local read/write failure (corruption, quota, serialisation).
	StorageFault FaultKind = iota + 1
	// RemoteFault is a network or backend failure talking to the remote store.
	RemoteFault
)

func (k FaultKind) String() string {
	switch k {
	case StorageFault:
		return "storage"
	case RemoteFault:
		return "remote"
	default:
		return "unknown"
	}
}

// Fault wraps an error from the local or remote store. Faults are soft: callers surface them
// to the user and let them retry, nothing terminates the process.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %s: %s", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Retryable is true for remote faults. Storage faults are not retried automatically but the user
// may retry the action manually.
func (f *Fault) Retryable() bool {
	return f.Kind == RemoteFault
}

// NewStorageFault wraps err as a StorageFault. Returns nil if err is nil.
func NewStorageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: StorageFault, Op: op, Err: err}
}

// NewRemoteFault wraps err as a RemoteFault. Returns nil if err is nil.
func NewRemoteFault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: RemoteFault, Op: op, Err: err}
}

func IsStorageFault(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == StorageFault
}

func IsRemoteFault(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == RemoteFault
}

type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

type jsonError struct {
	Err       string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{Err: e.Error()}
	var f *Fault
	if errors.As(e.Err, &f) {
		je.Retryable = f.Retryable()
	}
	b, _ := json.Marshal(je)
	return b
}

// ExpectedFaultStatus maps an error from the sync layer onto a HandlerError. Remote faults are
// 503 so clients know to retry, storage faults are 507.
func ExpectedFaultStatus(err error) *HandlerError {
	switch {
	case IsRemoteFault(err):
		return &HandlerError{StatusCode: http.StatusServiceUnavailable, Err: err}
	case IsStorageFault(err):
		return &HandlerError{StatusCode: http.StatusInsufficientStorage, Err: err}
	default:
		return &HandlerError{StatusCode: http.StatusInternalServerError, Err: err}
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and COMPANION_DEBUG=1 then the program panics.
// If expr is false and COMPANION_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("favorites are unique", len(set) == len(list))
//
// Which then produces:
//
//	assertion failed: favorites are unique
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("COMPANION_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
