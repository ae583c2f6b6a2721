package domain

import (
	"errors"
	"fmt"
)

// ErrorKind es el nombre estable de una clase de fallo del engine.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindValidation  ErrorKind = "VALIDATION"
	KindPartialData ErrorKind = "PARTIAL_DATA"
	KindPersistence ErrorKind = "PERSISTENCE"
	KindInternal    ErrorKind = "INTERNAL"
)

// Severity indica qué debe hacer el llamador con un fallo.
type Severity string

const (
	// SeverityFatal: se reporta al llamador, no se escribió nada.
	SeverityFatal Severity = "fatal"
	// SeverityRecovered: se maneja dentro del engine (p.ej. variante no lista).
	SeverityRecovered Severity = "recovered"
	// SeverityRetryable: la operación falló entera y se puede reintentar.
	SeverityRetryable Severity = "retryable"
)

// Severity devuelve la severidad asociada al tipo.
func (k ErrorKind) Severity() Severity {
	switch k {
	case KindNotFound, KindValidation:
		return SeverityFatal
	case KindPartialData:
		return SeverityRecovered
	case KindPersistence:
		return SeverityRetryable
	default:
		return SeverityFatal
	}
}

// Error es el fallo tipado que devuelven las operaciones del engine.
type Error struct {
	Kind ErrorKind
	Op   string // operación que falló, p.ej. "engine.Tick"
	Msg  string
	Err  error
}

// Error devuelve "KIND: op: msg: cause".
func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reporta una entidad desconocida.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Invalid reporta una entrada sobre la que el engine no actúa.
func Invalid(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// PartialData reporta métricas de una variante que no se pudieron leer.
func PartialData(op string, err error) *Error {
	return &Error{Kind: KindPartialData, Op: op, Err: err}
}

// Persistence reporta un fallo al escribir un registro o actualizar el estado.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf extrae el ErrorKind de err. Los errores sin tipo son INTERNAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable indica si la operación podría funcionar al repetirla.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Severity() == SeverityRetryable
}
