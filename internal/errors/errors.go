package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Op describes the operation in which an error occurred,
// e.g. "tracker.Announce"
type Op string

func (op Op) String() string {
	return string(op)
}

type Kind int

const (
	Internal Kind = iota + 1
	IO
	Network
	BadArgument
	NotFound
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO Error"
	case Network:
		return "Network Error"
	case BadArgument:
		return "Bad arguments"
	case NotFound:
		return "Not Found"
	default:
		return "Internal Error"
	}
}

type Error struct {
	err  error
	op   Op
	kind Kind
}

func (e Error) Error() string {
	return e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

type Errors []error

func (errs Errors) Error() string {
	var sb strings.Builder

	for i, err := range errs {
		sb.WriteString(err.Error())

		if i < len(errs)-1 {
			sb.WriteString(", ")
		}
	}

	return sb.String()
}

// Ops lists the operations an error passed through, outermost
// first
func Ops(e error) []string {
	var out []string

	err, ok := e.(Error)
	if !ok {
		return out
	}

	out = append(out, string(err.op))
	out = append(out, Ops(err.err)...)

	return out
}

// GetKind returns the kind of the outermost wrapped error.
// Unwrapped errors are Internal.
func GetKind(e error) Kind {
	err, ok := e.(Error)
	if !ok {
		return Internal
	}

	return err.kind
}

// IsKind reports whether err or any error it wraps has the
// given kind
func IsKind(k Kind, e error) bool {
	err, ok := e.(Error)
	if !ok {
		return false
	}

	if err.kind == k {
		return true
	}

	return IsKind(k, err.err)
}

func IsEOF(e error) bool {
	return errors.Is(e, io.EOF) || errors.Is(e, io.ErrUnexpectedEOF)
}

func Is(target error, e error) bool {
	return errors.Is(e, target)
}

func Wrap(e error, args ...interface{}) error {
	err := Error{err: e, kind: Internal}

	if _err, ok := e.(Error); ok {
		err.kind = _err.kind
	}

	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			err.kind = v
		case Op:
			err.op = v
		}
	}

	return err
}

func New(e string) error {
	return Error{err: errors.New(e), kind: Internal}
}

func Newf(fmtStr string, args ...interface{}) error {
	return fmt.Errorf(fmtStr, args...)
}
