package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"strings"
)

// New returns an error annotated with the caller's stack.
func New(msg string) error {
	return &fundamental{msg: msg, stack: callers()}
}

// Errorf formats an error annotated with the caller's stack.
func Errorf(format string, args ...interface{}) error {
	return &fundamental{msg: fmt.Sprintf(format, args...), stack: callers()}
}

// NewWithReport builds the error and sends it to the registered reporters.
func NewWithReport(msg string) error {
	err := &fundamental{msg: msg, stack: callers()}
	report(err)
	return err
}

// ErrorfAndReport formats the error and sends it to the registered reporters.
func ErrorfAndReport(format string, args ...interface{}) error {
	err := &fundamental{msg: fmt.Sprintf(format, args...), stack: callers()}
	report(err)
	return err
}

// Wrap annotates err with msg and the caller's stack. Returns nil when err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, msg: msg, stack: callers()}
}

// Wrapf annotates err with a formatted message and the caller's stack.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, msg: fmt.Sprintf(format, args...), stack: callers()}
}

// WrapAndReport wraps err and sends it to the registered reporters.
func WrapAndReport(err error, msg string) error {
	if err == nil {
		return nil
	}
	werr := &wrapped{cause: err, msg: msg, stack: callers()}
	report(werr)
	return werr
}

// WithStack annotates err with the caller's stack without a new message.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{cause: err, stack: callers()}
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

type fundamental struct {
	msg string
	*stack
}

func (f *fundamental) Error() string { return f.msg }

func (f *fundamental) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		io.WriteString(s, f.msg)
		if s.Flag('+') {
			f.stack.format(s)
		}
	case 's':
		io.WriteString(s, f.msg)
	case 'q':
		fmt.Fprintf(s, "%q", f.msg)
	}
}

type wrapped struct {
	cause error
	msg   string
	*stack
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.cause.Error()
	}
	return w.msg + ":" + w.cause.Error()
}

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		io.WriteString(s, w.Error())
		if s.Flag('+') {
			w.stack.format(s)
		}
	case 's':
		io.WriteString(s, w.Error())
	case 'q':
		fmt.Fprintf(s, "%q", w.Error())
	}
}

type stack []uintptr

func callers() *stack {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

func (s *stack) fullStack() []string {
	frames := runtime.CallersFrames(*s)
	var lines []string
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, "runtime.") {
			break
		}
		lines = append(lines, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return lines
}

func (s *stack) format(w io.Writer) {
	for _, line := range s.fullStack() {
		io.WriteString(w, "\n")
		io.WriteString(w, line)
	}
}
