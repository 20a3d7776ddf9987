// Package errors defines the error taxonomy shared by every layer of the engine.
//
// Each failure carries a Kind plus the context needed to diagnose it without
// inspecting internal state: the entity, the backend, and for formula errors
// the formula text and the offending position.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/go-errors/errors"
)

type Kind string

const (
	KindUnknownEntity      Kind = "UnknownEntity"
	KindBackendMismatch    Kind = "BackendMismatch"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindSyntaxError        Kind = "SyntaxError"
	KindFormulaBindError   Kind = "FormulaBindError"
	KindTypeMismatch       Kind = "TypeMismatch"
	KindDivisionByZero     Kind = "DivisionByZero"
	KindCancelled          Kind = "Cancelled"
	KindUnknownField       Kind = "UnknownField"
	KindInvalidCursor      Kind = "InvalidCursor"
	KindInvalidRecord      Kind = "InvalidRecord"
	KindInternal           Kind = "Internal"
)

// Sentinels usable as errors.Is targets. Matching is by kind only.
var (
	ErrUnknownEntity      = &Error{Kind: KindUnknownEntity}
	ErrBackendMismatch    = &Error{Kind: KindBackendMismatch}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrSyntax             = &Error{Kind: KindSyntaxError}
	ErrFormulaBind        = &Error{Kind: KindFormulaBindError}
	ErrTypeMismatch       = &Error{Kind: KindTypeMismatch}
	ErrDivisionByZero     = &Error{Kind: KindDivisionByZero}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrUnknownField       = &Error{Kind: KindUnknownField}
	ErrInvalidCursor      = &Error{Kind: KindInvalidCursor}
	ErrInvalidRecord      = &Error{Kind: KindInvalidRecord}
)

// Error is a classified engine failure.
type Error struct {
	Kind    Kind
	Message string

	Entity  string
	Backend string
	Field   string
	Formula string
	// Position is the 1-based offset into Formula (or the filter text) where
	// compilation failed. Zero when not applicable.
	Position int

	Cause error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}

	var ctx []string
	if e.Entity != "" {
		ctx = append(ctx, "entity="+e.Entity)
	}
	if e.Backend != "" {
		ctx = append(ctx, "backend="+e.Backend)
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if e.Formula != "" {
		ctx = append(ctx, fmt.Sprintf("formula=%q", e.Formula))
	}
	if e.Position > 0 {
		ctx = append(ctx, fmt.Sprintf("position=%d", e.Position))
	}
	if len(ctx) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(ctx, ", "))
		sb.WriteString(")")
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause returns nil.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) WithEntity(entity string) *Error {
	if e == nil {
		return nil
	}
	e.Entity = entity
	return e
}

func (e *Error) WithBackend(backend string) *Error {
	if e == nil {
		return nil
	}
	e.Backend = backend
	return e
}

func (e *Error) WithField(field string) *Error {
	if e == nil {
		return nil
	}
	e.Field = field
	return e
}

func (e *Error) WithFormula(formula string, position int) *Error {
	if e == nil {
		return nil
	}
	e.Formula = formula
	e.Position = position
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Annotate returns a copy of the first *Error in err's chain with entity and
// backend filled in where they are still empty. The original is left
// untouched since it may be shared between requests. Other errors are
// returned unchanged.
func Annotate(err error, entity, backend string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	if cp.Entity == "" {
		cp.Entity = entity
	}
	if cp.Backend == "" {
		cp.Backend = backend
	}
	return &cp
}

// HTTPStatus maps an error kind to the status code returned by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnknownEntity:
		return http.StatusNotFound
	case KindBackendMismatch, KindSyntaxError, KindFormulaBindError,
		KindUnknownField, KindInvalidCursor, KindInvalidRecord:
		return http.StatusBadRequest
	case KindTypeMismatch, KindDivisionByZero:
		return http.StatusUnprocessableEntity
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ErrorWithStack wraps the error with stack if error is non nil.
// Otherwise, the wrap will create a new "error" that has nil in it.
func ErrorWithStack(err error) error {
	if err != nil {
		return goerrors.Wrap(err, 1)
	}
	return err
}
