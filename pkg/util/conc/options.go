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

package conc

import (
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/log"
)

type poolOption struct {
	name         string
	preAlloc     bool
	nonBlocking  bool
	expiry       time.Duration
	panicHandler func(any)
	preHandler   func()
}

// antsOptions 转换为 ants 选项。未指定 panicHandler 时记录日志后继续抛出，
// 使 Submit 中的 Future 能拿到错误。
func (opt *poolOption) antsOptions() []ants.Option {
	handler := opt.panicHandler
	if handler == nil {
		name := opt.name
		handler = func(v any) {
			log.L().Error("conc pool task panicked", zap.String("pool", name), zap.Any("panic", v))
		}
	}
	result := []ants.Option{
		ants.WithPreAlloc(opt.preAlloc),
		ants.WithNonblocking(opt.nonBlocking),
		ants.WithPanicHandler(handler),
	}
	if opt.expiry > 0 {
		result = append(result, ants.WithExpiryDuration(opt.expiry))
	}
	return result
}

// PoolOption 配置 NewPool 创建的协程池。
type PoolOption func(opt *poolOption)

// WithName 设置协程池名称，出现在 panic 日志中。
func WithName(name string) PoolOption {
	return func(opt *poolOption) { opt.name = name }
}

func WithPreAlloc(v bool) PoolOption {
	return func(opt *poolOption) { opt.preAlloc = v }
}

// WithNonBlocking 使池满时 Submit 立即失败而不是等待空闲 worker。
func WithNonBlocking(v bool) PoolOption {
	return func(opt *poolOption) { opt.nonBlocking = v }
}

func WithExpiryDuration(d time.Duration) PoolOption {
	return func(opt *poolOption) { opt.expiry = d }
}

func WithPanicHandler(fn func(any)) PoolOption {
	return func(opt *poolOption) { opt.panicHandler = fn }
}

// WithPreHandler 设置每个任务执行前调用的函数。
func WithPreHandler(fn func()) PoolOption {
	return func(opt *poolOption) { opt.preHandler = fn }
}
