// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// ErrorType 描述错误所属的类别，决定调用方的处理策略：
// 配置错误意味着编程错误，不可重试；数据错误只中止当前读写；
// 资源错误（如锁超时）交由调用方决定是否重试。
type ErrorType int32

const (
	SystemError        ErrorType = 0
	ConfigurationError ErrorType = 1
	DataError          ErrorType = 2
	ResourceError      ErrorType = 3
)

var ErrorTypeName = map[ErrorType]string{
	SystemError:        "system_error",
	ConfigurationError: "configuration_error",
	DataError:          "data_error",
	ResourceError:      "resource_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceInternal       = newSerializerError("service internal error", 5, false, SystemError)
	ErrOperationNotSupported = newSerializerError("unsupported operation", 10, false, SystemError)

	// Parameter related
	ErrParameterInvalid = newSerializerError("invalid parameter", 100, false, ConfigurationError)
	ErrParameterMissing = newSerializerError("missing parameter", 101, false, ConfigurationError)

	// Type model configuration related
	ErrDuplicateTag        = newSerializerError("duplicate tag", 1000, false, ConfigurationError)
	ErrIncompatibleMode    = newSerializerError("incompatible object mode", 1001, false, ConfigurationError)
	ErrTypeNotSupported    = newSerializerError("type not supported", 1002, false, ConfigurationError)
	ErrModelFrozen         = newSerializerError("type model is frozen", 1003, false, ConfigurationError)
	ErrTypeFrozen          = newSerializerError("type is frozen", 1004, false, ConfigurationError)
	ErrSubTypeCycle        = newSerializerError("subtype cycle", 1005, false, ConfigurationError)
	ErrAmbiguousTuple      = newSerializerError("ambiguous tuple constructor", 1006, false, ConfigurationError)
	ErrNoSerializer        = newSerializerError("no serializer available", 1007, false, ConfigurationError)
	ErrWrongTypeInTail     = newSerializerError("wrong type in tail", 1008, false, ConfigurationError)
	ErrInvalidTag          = newSerializerError("invalid tag", 1009, false, ConfigurationError)
	ErrInvalidMember       = newSerializerError("invalid member", 1010, false, ConfigurationError)
	ErrModeDisabled        = newSerializerError("object mode disabled", 1011, false, ConfigurationError)
	ErrInvalidSubType      = newSerializerError("invalid subtype", 1012, false, ConfigurationError)
	ErrTypeNotFound        = newSerializerError("type not found", 1013, false, ConfigurationError)
	ErrInvalidConfig       = newSerializerError("invalid serializer config", 1014, false, ConfigurationError)
	ErrInvalidSurrogate    = newSerializerError("invalid surrogate", 1015, false, ConfigurationError)
	ErrInvalidDefaultValue = newSerializerError("invalid default value", 1016, false, ConfigurationError)

	// Wire data related
	ErrUnexpectedWireType      = newSerializerError("unexpected wire type", 2000, false, DataError)
	ErrDepthExceeded           = newSerializerError("recursion depth exceeded", 2001, false, DataError)
	ErrUnexpectedSubType       = newSerializerError("unexpected subtype", 2002, false, DataError)
	ErrMalformed               = newSerializerError("malformed data", 2003, false, DataError)
	ErrNullElement             = newSerializerError("null element in collection", 2004, false, DataError)
	ErrUnknownReference        = newSerializerError("unknown object reference", 2005, false, DataError)
	ErrArrayOverflow           = newSerializerError("array overflow", 2006, false, DataError)
	ErrUnresolvedLateReference = newSerializerError("unresolved late reference", 2007, false, DataError)
	ErrInvalidValue            = newSerializerError("invalid value", 2008, false, DataError)

	// Resource related
	ErrLockTimeout      = newSerializerError("type model lock timeout", 3000, true, ResourceError)
	ErrPoolSubmitFailed = newSerializerError("fail to submit task", 3001, true, ResourceError)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to serializerError
	errUnexpected = newSerializerError("unexpected error", (1<<16)-1, false, SystemError)
)

type errorOption func(*serializerError)

func WithDetail(detail string) errorOption {
	return func(err *serializerError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *serializerError) {
		err.errType = etype
	}
}

type serializerError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newSerializerError(msg string, code int32, retriable bool, etype ErrorType, options ...errorOption) serializerError {
	err := serializerError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
		errType:   etype,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e serializerError) code() int32 {
	return e.errCode
}

func (e serializerError) Error() string {
	return e.msg
}

func (e serializerError) Detail() string {
	return e.detail
}

func (e serializerError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(serializerError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
