// Package apperr defines the error kinds shared by intake and dispatch.
// Callers branch on KindOf(err) instead of matching message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindUnknown          Kind = ""
	KindMissingField     Kind = "missing_field"
	KindInvalidField     Kind = "invalid_field"
	KindInvalidAddress   Kind = "invalid_address"
	KindSenderMismatch   Kind = "sender_mismatch"
	KindUnknownAlias     Kind = "unknown_alias"
	KindBadEncoding      Kind = "bad_encoding"
	KindTooLarge         Kind = "too_large"
	KindTransportFailure Kind = "transport_failure"
	KindStoreUnavailable Kind = "store_unavailable"
)

// Error carries a Kind plus enough context to diagnose the failure
// without re-running the request.
type Error struct {
	Kind      Kind
	Field     string
	Value     string
	Details   []string
	RequestID int64
	Alias     string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func MissingFields(fields []string) *Error {
	details := make([]string, 0, len(fields))
	for _, f := range fields {
		details = append(details, fmt.Sprintf("El campo %s es obligatorio.", f))
	}
	return &Error{
		Kind:    KindMissingField,
		Field:   strings.Join(fields, ","),
		Details: details,
		Msg:     "Faltan campos obligatorios",
	}
}

func InvalidField(field, msg string) *Error {
	return &Error{Kind: KindInvalidField, Field: field, Msg: msg}
}

func InvalidAddress(field, value string) *Error {
	return &Error{
		Kind:  KindInvalidAddress,
		Field: field,
		Value: value,
		Msg:   fmt.Sprintf("El campo %s contiene un correo inválido: %s", field, value),
	}
}

func SenderMismatch(sender, accountEmail string) *Error {
	return &Error{
		Kind:  KindSenderMismatch,
		Field: "remitente",
		Value: sender,
		Msg: fmt.Sprintf("El remitente %s debe coincidir con el email de la cuenta seleccionada por alias (%s).",
			sender, accountEmail),
	}
}

func UnknownAlias(alias string) *Error {
	return &Error{
		Kind:  KindUnknownAlias,
		Field: "alias",
		Value: alias,
		Alias: alias,
		Msg:   fmt.Sprintf("El alias %s no existe en las cuentas de correo.", alias),
	}
}

func BadEncoding(err error) *Error {
	return &Error{
		Kind:  KindBadEncoding,
		Field: "adjunto",
		Msg:   "No se pudo decodificar el archivo adjunto. Asegúrate de que sea una cadena Base64 válida.",
		Err:   err,
	}
}

func TooLarge(sizeMiB float64, limitMiB int) *Error {
	return &Error{
		Kind:  KindTooLarge,
		Field: "adjunto",
		Value: fmt.Sprintf("%.2f MB", sizeMiB),
		Msg:   fmt.Sprintf("El adjunto excede el tamaño máximo permitido (%d MB).", limitMiB),
	}
}

func TransportFailure(requestID int64, alias string, err error) *Error {
	return &Error{
		Kind:      KindTransportFailure,
		RequestID: requestID,
		Alias:     alias,
		Msg:       "smtp send failed",
		Err:       err,
	}
}

func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Msg: op, Err: err}
}
