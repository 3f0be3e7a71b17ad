package apperrors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeOutOfStock        Code = "OUT_OF_STOCK"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeEmptyCart         Code = "EMPTY_CART"
	CodePaymentRejected   Code = "PAYMENT_REJECTED"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Metadata describes how a code is surfaced to callers.
type Metadata struct {
	HTTPStatus    int
	Recoverable   bool
	PublicMessage string
	Hint          string
}

var metadataByCode = map[Code]Metadata{
	CodeOutOfStock: {
		HTTPStatus:    http.StatusConflict,
		Recoverable:   true,
		PublicMessage: "insufficient stock",
		Hint:          "reduce the requested quantity to the available stock",
	},
	CodeInvalidTransition: {
		HTTPStatus:    http.StatusUnprocessableEntity,
		PublicMessage: "order status change not allowed",
		Hint:          "check the current order status before retrying",
	},
	CodeEmptyCart: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "cart is empty",
		Hint:          "add at least one item to the cart before checkout",
	},
	CodePaymentRejected: {
		HTTPStatus:    http.StatusPaymentRequired,
		Recoverable:   true,
		PublicMessage: "payment rejected",
		Hint:          "the order is still awaiting payment; retry with another payment method",
	},
	CodeValidation: {
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "validation failed",
		Hint:          "fix the listed fields and resubmit",
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "conflict detected",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Recoverable:   true,
		PublicMessage: "internal server error",
	},
}

// MetadataFor returns the metadata for code, defaulting to CodeInternal.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts the first *Error in err's chain.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// StockShortage is one line that cannot be satisfied.
type StockShortage struct {
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func OutOfStock(shortages ...StockShortage) *Error {
	msg := "requested quantity exceeds available stock"
	if len(shortages) == 1 {
		s := shortages[0]
		msg = fmt.Sprintf("variant %s: requested %d, available %d", s.VariantID, s.Requested, s.Available)
	}
	return New(CodeOutOfStock, msg).WithDetails(shortages)
}

func Shortages(err error) []StockShortage {
	typed := As(err)
	if typed == nil || typed.code != CodeOutOfStock {
		return nil
	}
	shortages, _ := typed.details.([]StockShortage)
	return shortages
}

func InvalidTransition(from, to string) *Error {
	return Newf(CodeInvalidTransition, "cannot move order from %s to %s", from, to).
		WithDetails(map[string]string{"from": from, "to": to})
}

func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", kind, id)
}

func Validation(message string, fields map[string]string) *Error {
	e := New(CodeValidation, message)
	if len(fields) > 0 {
		e.details = fields
	}
	return e
}
