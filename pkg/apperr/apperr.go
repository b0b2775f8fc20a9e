package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind names a failure in the ledger error taxonomy.
type Kind string

const (
	// Precondition violations
	KindInvalidState          Kind = "InvalidState"
	KindUnknownProject        Kind = "UnknownProject"
	KindUnknownVintage        Kind = "UnknownVintage"
	KindUnknownBatch          Kind = "UnknownBatch"
	KindUnknownLot            Kind = "UnknownLot"
	KindNotEligible           Kind = "NotEligible"
	KindDuplicateSerialNumber Kind = "DuplicateSerialNumber"
	KindInvalidInput          Kind = "DuplicateOrInvalidInput"
	KindInvalidRange          Kind = "InvalidRange"
	KindInvalidAmount         Kind = "InvalidAmount"
	KindInvalidRecipientFmt   Kind = "InvalidRecipientFormat"
	KindInvalidRecipientLen   Kind = "InvalidRecipientLength"
	KindInvalidTokenReference Kind = "InvalidTokenReference"
	KindInsufficientBalance   Kind = "InsufficientBalance"
	KindInsufficientReserve   Kind = "InsufficientReserve"
	KindDirectoryNotSet       Kind = "DirectoryNotSet"

	// Authorization violations
	KindNotOwner    Kind = "NotOwner"
	KindNotVerifier Kind = "NotVerifier"
	KindNotBroker   Kind = "NotBroker"
	KindNotAdmin    Kind = "NotAdmin"
	KindNotMinter   Kind = "NotMinter"
	KindNotBurner   Kind = "NotBurner"

	// Operational gate
	KindOperationPaused Kind = "OperationPaused"

	// Defects
	KindInvariantViolation Kind = "InvariantViolation"
	KindInternal           Kind = "Internal"
)

// Category groups kinds by how a caller is expected to react.
type Category string

const (
	CategoryPrecondition  Category = "precondition"
	CategoryNotFound      Category = "not_found"
	CategoryAuthorization Category = "authorization"
	CategoryGate          Category = "gate"
	CategoryInvariant     Category = "invariant"
)

// Category returns the taxonomy group of k.
func (k Kind) Category() Category {
	switch k {
	case KindUnknownProject, KindUnknownVintage, KindUnknownBatch, KindUnknownLot:
		return CategoryNotFound
	case KindNotOwner, KindNotVerifier, KindNotBroker, KindNotAdmin, KindNotMinter, KindNotBurner:
		return CategoryAuthorization
	case KindOperationPaused:
		return CategoryGate
	case KindInvariantViolation, KindInternal:
		return CategoryInvariant
	default:
		return CategoryPrecondition
	}
}

// Error is a classified ledger failure. Op names the operation that rejected the call.
type Error struct {
	Kind    Kind
	Op      string
	Message string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, e.Message)
}

// Is matches any *Error with the same kind, so errors.Is(err, apperr.New(kind, "", "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err. Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may retry the same call later.
func IsRetryable(err error) bool {
	return KindOf(err).Category() == CategoryGate
}

// HTTPStatus maps err onto the response status used by the HTTP handlers.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	kind := KindOf(err)
	switch kind.Category() {
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryAuthorization:
		return http.StatusForbidden
	case CategoryGate:
		return http.StatusServiceUnavailable
	case CategoryInvariant:
		return http.StatusInternalServerError
	}
	switch kind {
	case KindInvalidState, KindDuplicateSerialNumber:
		return http.StatusConflict
	case KindInsufficientBalance, KindInsufficientReserve, KindNotEligible:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
