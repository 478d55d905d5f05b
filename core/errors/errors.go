// Package errors provides the error taxonomy shared by the page-storage packages.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the result codes surfaced by the pager and its collaborators.
var (
	// ErrBusy indicates lock contention; the caller may retry
	ErrBusy = errors.New("database is locked")
	// ErrLocked indicates a conflicting lock held by the same process
	ErrLocked = errors.New("database table is locked")
	// ErrFull indicates the disk or the page-count limit is exhausted
	ErrFull = errors.New("database or disk is full")
	// ErrIO indicates a failed read, write, sync or truncate
	ErrIO = errors.New("disk I/O error")
	// ErrCorrupt indicates a structural or checksum violation
	ErrCorrupt = errors.New("database disk image is malformed")
	// ErrNoMem indicates an allocation could not be satisfied
	ErrNoMem = errors.New("out of memory")
	// ErrReadOnly indicates a write was attempted on a read-only handle
	ErrReadOnly = errors.New("attempt to write a readonly database")
	// ErrCantOpen indicates a file could not be opened
	ErrCantOpen = errors.New("unable to open database file")
	// ErrMisuse indicates an API call made in the wrong state
	ErrMisuse = errors.New("library routine called out of sequence")
	// ErrAbort indicates the cache was discarded by a rollback it could not undo
	ErrAbort = errors.New("transaction aborted")
)

// IOKind classifies an IOError.
type IOKind int

const (
	IORead IOKind = iota
	IOShortRead
	IOWrite
	IOFsync
	IOTruncate
	IOFstat
	IOLock
	IOUnlock
	IODelete
	IOAccess
	IOSeek
)

var ioKindNames = [...]string{
	IORead:      "read",
	IOShortRead: "short read",
	IOWrite:     "write",
	IOFsync:     "fsync",
	IOTruncate:  "truncate",
	IOFstat:     "fstat",
	IOLock:      "lock",
	IOUnlock:    "unlock",
	IODelete:    "delete",
	IOAccess:    "access",
	IOSeek:      "seek",
}

func (k IOKind) String() string {
	if int(k) < len(ioKindNames) {
		return ioKindNames[k]
	}
	return fmt.Sprintf("IOKind(%d)", int(k))
}

// IOError represents an I/O operation error with context
type IOError struct {
	Kind IOKind // Sub-kind of the failure
	Path string // File involved, if known
	Err  error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error on %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap exposes both the cause and ErrIO so either can be matched with Is.
func (e *IOError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrIO, e.Err}
	}
	return []error{ErrIO}
}

// CorruptError represents a structural violation detected while reading a file
type CorruptError struct {
	Path   string // File involved, if known
	Reason string // What was wrong
}

func (e *CorruptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corrupt %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("corrupt: %s", e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

// NewIO creates an IOError
func NewIO(kind IOKind, path string, err error) *IOError {
	return &IOError{
		Kind: kind,
		Path: path,
		Err:  err,
	}
}

// NewCorrupt creates a CorruptError
func NewCorrupt(path, format string, args ...interface{}) *CorruptError {
	return &CorruptError{
		Path:   path,
		Reason: fmt.Sprintf(format, args...),
	}
}

// IsFatal reports whether err must move a pager with modified state into
// its error state. Only I/O failures and disk-full qualify.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrFull)
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
