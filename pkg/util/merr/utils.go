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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case serializerError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(serializerError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// GetErrorType 返回错误的类别，未知错误视为系统错误。
func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(serializerError); ok {
		return merr.errType
	}

	return SystemError
}

func IsConfigurationError(err error) bool {
	return err != nil && GetErrorType(err) == ConfigurationError
}

func IsDataError(err error) bool {
	return err != nil && GetErrorType(err) == DataError
}

func IsResourceError(err error) bool {
	return err != nil && GetErrorType(err) == ResourceError
}

func WrapErrServiceInternal(msg string, others ...string) error {
	msg = strings.Join(append([]string{msg}, others...), "; ")
	return wrapFieldsWithDesc(ErrServiceInternal, msg)
}

func WrapErrOperationNotSupported(operation string, msg ...string) error {
	err := wrapFields(ErrOperationNotSupported, value("operation", operation))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter 相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmtStr string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmtStr, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 类型模型配置相关错误封装。
func WrapErrDuplicateTag(typeName string, tag int, existing string) error {
	return wrapFields(ErrDuplicateTag,
		value("type", typeName),
		value("tag", tag),
		value("existing", existing),
	)
}

func WrapErrIncompatibleMode(typeName, member string, mode any, reason string) error {
	return wrapFieldsWithDesc(ErrIncompatibleMode, reason,
		value("type", typeName),
		value("member", member),
		value("mode", mode),
	)
}

func WrapErrTypeNotSupported(typeName string, reason string) error {
	return wrapFieldsWithDesc(ErrTypeNotSupported, reason, value("type", typeName))
}

func WrapErrModelFrozen(operation string) error {
	return wrapFields(ErrModelFrozen, value("operation", operation))
}

func WrapErrTypeFrozen(typeName, operation string) error {
	return wrapFields(ErrTypeFrozen,
		value("type", typeName),
		value("operation", operation),
	)
}

func WrapErrSubTypeCycle(base, derived string) error {
	return wrapFields(ErrSubTypeCycle,
		value("base", base),
		value("derived", derived),
	)
}

func WrapErrAmbiguousTuple(typeName string, msg ...string) error {
	err := wrapFields(ErrAmbiguousTuple, value("type", typeName))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrNoSerializer(typeName string, member string) error {
	return wrapFields(ErrNoSerializer,
		value("type", typeName),
		value("member", member),
	)
}

func WrapErrWrongTypeInTail(typeName, member string, expected, actual any) error {
	return wrapFields(ErrWrongTypeInTail,
		value("type", typeName),
		value("member", member),
		value("expected", expected),
		value("actual", actual),
	)
}

func WrapErrInvalidTag(typeName string, tag int) error {
	return wrapFields(ErrInvalidTag,
		value("type", typeName),
		value("tag", tag),
	)
}

func WrapErrInvalidMember(typeName, member string, reason string) error {
	return wrapFieldsWithDesc(ErrInvalidMember, reason,
		value("type", typeName),
		value("member", member),
	)
}

func WrapErrModeDisabled(mode any, typeName string) error {
	return wrapFields(ErrModeDisabled,
		value("mode", mode),
		value("type", typeName),
	)
}

func WrapErrInvalidSubType(base, derived string, reason string) error {
	return wrapFieldsWithDesc(ErrInvalidSubType, reason,
		value("base", base),
		value("derived", derived),
	)
}

func WrapErrTypeNotFound(typeName string, msg ...string) error {
	err := wrapFields(ErrTypeNotFound, value("type", typeName))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrInvalidConfig(key string, val any, msg ...string) error {
	err := wrapFields(ErrInvalidConfig, value(key, val))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrInvalidSurrogate(typeName, surrogate string, reason string) error {
	return wrapFieldsWithDesc(ErrInvalidSurrogate, reason,
		value("type", typeName),
		value("surrogate", surrogate),
	)
}

func WrapErrInvalidDefaultValue(typeName, member string, reason string) error {
	return wrapFieldsWithDesc(ErrInvalidDefaultValue, reason,
		value("type", typeName),
		value("member", member),
	)
}

// 数据相关错误封装。
func WrapErrUnexpectedWireType(field int, expected, actual any) error {
	return wrapFields(ErrUnexpectedWireType,
		value("field", field),
		value("expected", expected),
		value("actual", actual),
	)
}

func WrapErrDepthExceeded(depth, maxDepth int) error {
	return wrapFields(ErrDepthExceeded, bound("depth", depth, 0, maxDepth))
}

func WrapErrUnexpectedSubType(base, actual string) error {
	return wrapFields(ErrUnexpectedSubType,
		value("base", base),
		value("actual", actual),
	)
}

func WrapErrMalformed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrMalformed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrNullElement(typeName string) error {
	return wrapFields(ErrNullElement, value("item", typeName))
}

func WrapErrUnknownReference(id int) error {
	return wrapFields(ErrUnknownReference, value("id", id))
}

func WrapErrArrayOverflow(length, index int) error {
	return wrapFields(ErrArrayOverflow, bound("index", index, 0, length-1))
}

func WrapErrUnresolvedLateReference(pending int) error {
	return wrapFields(ErrUnresolvedLateReference, value("pending", pending))
}

func WrapErrInvalidValue(typeName string, val any, msg ...string) error {
	err := wrapFields(ErrInvalidValue,
		value("type", typeName),
		value("value", val),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 资源相关错误封装。
func WrapErrLockTimeout(operation string, timeout time.Duration, holder string) error {
	return wrapFieldsWithDesc(ErrLockTimeout, holder,
		value("operation", operation),
		value("timeout", timeout),
	)
}

func WrapErrPoolSubmitFailed(err error) error {
	if err == nil {
		return nil
	}
	return wrapFieldsWithDesc(ErrPoolSubmitFailed, err.Error())
}

func wrapFields(err serializerError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err serializerError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
