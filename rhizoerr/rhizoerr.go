// Package rhizoerr defines the tagged error taxonomy shared by every rhizo
// component, so callers can switch on Kind instead of matching error text
// (the approach the Python facade this module replaces used, via OSError
// substring checks on "not found").
package rhizoerr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with one of the categories from the error taxonomy.
type Kind int

const (
	// Validation errors: caller's fault, raised before any I/O.
	KindInvalidTableName Kind = iota
	KindEmptyTable
	KindSizeLimitExceeded
	KindSchemaTooWide
	KindInvalidFilter
	KindInvalidColumn

	// Not-found errors: non-fatal, never mutate durable state.
	KindTableNotFound
	KindVersionNotFound
	KindBranchNotFound
	KindChunkNotFound

	// Conflict errors: leave the system in a clean state.
	KindBranchExists
	KindMergeConflict
	KindConflict
	KindNestedTransaction

	// Integrity errors: never swallowed silently.
	KindCorruptedChunk
	KindCorruptedManifest
	KindCorruptedLog

	// I/O errors: surfaced as-is with path context.
	KindIO

	// EmptyResult is not a caller-visible error in the facade (the Reader
	// converts it into an empty table with the projected schema), but the
	// codec layer itself reports it through this taxonomy.
	KindEmptyResult
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTableName:
		return "InvalidTableName"
	case KindEmptyTable:
		return "EmptyTable"
	case KindSizeLimitExceeded:
		return "SizeLimitExceeded"
	case KindSchemaTooWide:
		return "SchemaTooWide"
	case KindInvalidFilter:
		return "InvalidFilter"
	case KindInvalidColumn:
		return "InvalidColumn"
	case KindTableNotFound:
		return "TableNotFound"
	case KindVersionNotFound:
		return "VersionNotFound"
	case KindBranchNotFound:
		return "BranchNotFound"
	case KindChunkNotFound:
		return "ChunkNotFound"
	case KindBranchExists:
		return "BranchExists"
	case KindMergeConflict:
		return "MergeConflict"
	case KindConflict:
		return "ConflictError"
	case KindNestedTransaction:
		return "NestedTransactionError"
	case KindCorruptedChunk:
		return "CorruptedChunk"
	case KindCorruptedManifest:
		return "CorruptedManifest"
	case KindCorruptedLog:
		return "CorruptedLog"
	case KindIO:
		return "IoError"
	case KindEmptyResult:
		return "EmptyResult"
	default:
		return "Unknown"
	}
}

// Error is the single error type every rhizo component returns. Wrap an
// underlying cause with %w the way the rest of the module does; Error
// participates in errors.Is/As through Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rhizoerr.New(KindTableNotFound, "")) match on Kind
// alone, ignoring Message and Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err, if err is (or wraps) an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// Convenience constructors for the names spec.md §7 lists explicitly.

func InvalidTableName(name string, reason string) error {
	return New(KindInvalidTableName, "invalid table name %q: %s", name, reason)
}

func EmptyTable(name string) error {
	return New(KindEmptyTable, "table %q has no rows", name)
}

func SizeLimitExceeded(reason string) error {
	return New(KindSizeLimitExceeded, "%s", reason)
}

func SchemaTooWide(columns, max int) error {
	return New(KindSchemaTooWide, "schema has %d columns, exceeds max_columns=%d", columns, max)
}

func InvalidFilter(reason string) error {
	return New(KindInvalidFilter, "%s", reason)
}

func InvalidColumn(name string) error {
	return New(KindInvalidColumn, "unknown column %q", name)
}

func TableNotFound(name string) error {
	return New(KindTableNotFound, "table %q not found", name)
}

func VersionNotFound(table string, version int64) error {
	return New(KindVersionNotFound, "table %q has no version %d", table, version)
}

func BranchNotFound(name string) error {
	return New(KindBranchNotFound, "branch %q not found", name)
}

func ChunkNotFound(hash string) error {
	return New(KindChunkNotFound, "chunk %s not found", hash)
}

func BranchExists(name string) error {
	return New(KindBranchExists, "branch %q already exists", name)
}

func MergeConflict(table string, sourceVersion, intoVersion int64) error {
	return New(KindMergeConflict, "table %q diverged: source=%d into=%d", table, sourceVersion, intoVersion)
}

func Conflict(tables []string) error {
	return New(KindConflict, "conflicting tables: %v", tables)
}

func NestedTransaction() error {
	return New(KindNestedTransaction, "a transaction is already active on this engine instance")
}

func CorruptedChunk(hash string) error {
	return New(KindCorruptedChunk, "chunk %s failed hash verification", hash)
}

func CorruptedManifest(path string, cause error) error {
	return Wrap(KindCorruptedManifest, cause, "manifest %q is corrupted", path)
}

func CorruptedLog(path string, cause error) error {
	return Wrap(KindCorruptedLog, cause, "transaction log %q is corrupted", path)
}

func IO(op, path string, cause error) error {
	return Wrap(KindIO, cause, "%s %q", op, path)
}

func EmptyResult() error {
	return New(KindEmptyResult, "predicate pushdown matched zero rows")
}
