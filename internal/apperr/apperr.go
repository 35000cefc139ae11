// Package apperr defines the error taxonomy shared by signing, delivery and pull.
package apperr

import (
	"errors"
	"fmt"

	"github.com/d60-Lab/fedsync/internal/model"
)

// Class 错误分类，决定是否重试以及如何记录
type Class string

const (
	ClassValidation Class = "validation"
	ClassAuth       Class = "auth"
	ClassPermanent  Class = "permanent"
	ClassClient     Class = "client"
	ClassServer     Class = "server"
	ClassTransport  Class = "transport"
	ClassProtocol   Class = "protocol"
	ClassInternal   Class = "internal"
)

// Retryable validation/auth/permanent 不重试
func (c Class) Retryable() bool {
	switch c {
	case ClassClient, ClassServer, ClassTransport, ClassProtocol:
		return true
	}
	return false
}

// Error 结构化错误
type Error struct {
	Class   Class
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Record 转为可持久化的 {message, code, class}
func (e *Error) Record() *model.ErrorRecord {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return &model.ErrorRecord{Message: truncate(msg, 512), Code: e.Code, Class: string(e.Class)}
}

func New(class Class, code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

func Wrap(class Class, code, message string, err error) *Error {
	return &Error{Class: class, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error { return New(ClassValidation, code, message) }

func Auth(code, message string) *Error { return New(ClassAuth, code, message) }

func Protocol(code, message string, err error) *Error {
	return Wrap(ClassProtocol, code, message, err)
}

func Transport(message string, err error) *Error {
	return Wrap(ClassTransport, "transport_error", message, err)
}

// FromStatus 按 HTTP 状态码归类
func FromStatus(status int) *Error {
	code := fmt.Sprintf("http_%d", status)
	msg := fmt.Sprintf("remote responded with status %d", status)
	switch {
	case status == 404 || status == 410:
		return &Error{Class: ClassPermanent, Code: code, Message: msg, Status: status}
	case status >= 400 && status < 500:
		return &Error{Class: ClassClient, Code: code, Message: msg, Status: status}
	default:
		return &Error{Class: ClassServer, Code: code, Message: msg, Status: status}
	}
}

// As 提取 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf 非结构化错误视为 internal
func ClassOf(err error) Class {
	if e, ok := As(err); ok {
		return e.Class
	}
	return ClassInternal
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
