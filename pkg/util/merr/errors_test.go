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
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrDuplicateTag("Order", 3, "Amount")
	err = errors.Wrap(err, "failed to add field")
	s.ErrorIs(err, ErrDuplicateTag)
	s.Equal(Code(ErrDuplicateTag), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newSerializerError("new error", ErrDuplicateTag.errCode, false, ConfigurationError)
	s.True(sameCodeErr.Is(ErrDuplicateTag))
}

func (s *ErrSuite) TestErrorType() {
	s.True(IsConfigurationError(WrapErrTypeFrozen("Order", "AddField")))
	s.True(IsConfigurationError(errors.Wrap(WrapErrNoSerializer("Order", "Items"), "build")))
	s.True(IsDataError(WrapErrUnexpectedWireType(1, "Varint", "Fixed32")))
	s.True(IsDataError(WrapErrDepthExceeded(65, 64)))
	s.True(IsResourceError(WrapErrLockTimeout("add:Order", time.Second, `{"operation":"build"}`)))
	s.False(IsDataError(nil))
	s.Equal(SystemError, GetErrorType(errors.New("plain")))
	s.Equal("data_error", DataError.String())
}

func (s *ErrSuite) TestRetriable() {
	s.True(IsRetryableErr(WrapErrLockTimeout("build:Order", time.Second, "")))
	s.False(IsRetryableErr(WrapErrDuplicateTag("Order", 1, "Id")))
	s.False(IsRetryableErr(errors.New("plain")))
}

func (s *ErrSuite) TestWrap() {
	// 配置相关错误。
	s.ErrorIs(WrapErrDuplicateTag("Order", 3, "Amount"), ErrDuplicateTag)
	s.ErrorIs(WrapErrIncompatibleMode("Order", "Items", "LateReference", "value type"), ErrIncompatibleMode)
	s.ErrorIs(WrapErrTypeNotSupported("chan int", "channel"), ErrTypeNotSupported)
	s.ErrorIs(WrapErrModelFrozen("Add"), ErrModelFrozen)
	s.ErrorIs(WrapErrTypeFrozen("Order", "AddField"), ErrTypeFrozen)
	s.ErrorIs(WrapErrSubTypeCycle("A", "B"), ErrSubTypeCycle)
	s.ErrorIs(WrapErrAmbiguousTuple("Pair", "two constructors"), ErrAmbiguousTuple)
	s.ErrorIs(WrapErrNoSerializer("Order", "Callback"), ErrNoSerializer)
	s.ErrorIs(WrapErrWrongTypeInTail("Order", "Name", "String", "Varint"), ErrWrongTypeInTail)
	s.ErrorIs(WrapErrInvalidTag("Order", 0), ErrInvalidTag)
	s.ErrorIs(WrapErrInvalidMember("Order", "Missing", "no such field"), ErrInvalidMember)
	s.ErrorIs(WrapErrModeDisabled("LateReference", "Order"), ErrModeDisabled)
	s.ErrorIs(WrapErrInvalidSubType("A", "C", "not embedded"), ErrInvalidSubType)
	s.ErrorIs(WrapErrTypeNotFound("Order", "auto add disabled"), ErrTypeNotFound)
	s.ErrorIs(WrapErrInvalidConfig("compatibility-level", "x.y", "not semver"), ErrInvalidConfig)
	s.ErrorIs(WrapErrInvalidSurrogate("Money", "MoneyDTO", "nil conversion"), ErrInvalidSurrogate)
	s.ErrorIs(WrapErrInvalidDefaultValue("Order", "Status", "required"), ErrInvalidDefaultValue)
	s.ErrorIs(WrapErrParameterInvalid("pointer", "struct", "unmarshal target"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("bad %s", "value"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("target"), ErrParameterMissing)

	// 数据相关错误。
	s.ErrorIs(WrapErrUnexpectedWireType(1, "Varint", "String"), ErrUnexpectedWireType)
	s.ErrorIs(WrapErrDepthExceeded(10, 9), ErrDepthExceeded)
	s.ErrorIs(WrapErrUnexpectedSubType("Shape", "*Triangle"), ErrUnexpectedSubType)
	s.ErrorIs(WrapErrMalformed("truncated length prefix"), ErrMalformed)
	s.ErrorIs(WrapErrNullElement("*Item"), ErrNullElement)
	s.ErrorIs(WrapErrUnknownReference(7), ErrUnknownReference)
	s.ErrorIs(WrapErrArrayOverflow(3, 3), ErrArrayOverflow)
	s.ErrorIs(WrapErrUnresolvedLateReference(2), ErrUnresolvedLateReference)
	s.ErrorIs(WrapErrInvalidValue("int8", 300, "overflow"), ErrInvalidValue)

	// 资源相关错误。
	s.ErrorIs(WrapErrLockTimeout("add:Order", time.Second, "holder"), ErrLockTimeout)
	s.ErrorIs(WrapErrPoolSubmitFailed(errors.New("pool closed")), ErrPoolSubmitFailed)
	s.Nil(WrapErrPoolSubmitFailed(nil))

	// 通用错误。
	s.ErrorIs(WrapErrServiceInternal("never throw out"), ErrServiceInternal)
	s.ErrorIs(WrapErrOperationNotSupported("Compile"), ErrOperationNotSupported)
}

func (s *ErrSuite) TestMessageFields() {
	err := WrapErrDuplicateTag("Order", 3, "Amount")
	s.Equal("duplicate tag[type=Order][tag=3][existing=Amount]", err.Error())

	err = WrapErrArrayOverflow(3, 5)
	s.Contains(err.Error(), "5 out of range 0 <= index <= 2")
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrTypeFrozen("A", "AddField"), WrapErrDuplicateTag("B", 1, "Id"))
	s.Equal(Code(ErrDuplicateTag), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
