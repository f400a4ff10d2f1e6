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

package typeutil

import (
	"slices"

	"github.com/samber/lo"
	"golang.org/x/exp/constraints"
)

type Set[T comparable] map[T]struct{}

func NewSet[T comparable](elements ...T) Set[T] {
	set := make(Set[T], len(elements))
	set.Insert(elements...)
	return set
}

// Insert 插入元素，已存在的元素被忽略。
func (set Set[T]) Insert(elements ...T) {
	for _, elem := range elements {
		set[elem] = struct{}{}
	}
}

// Contain 当所有元素都在集合中时返回 true。
func (set Set[T]) Contain(elements ...T) bool {
	for _, elem := range elements {
		if _, ok := set[elem]; !ok {
			return false
		}
	}
	return true
}

func (set Set[T]) Remove(elements ...T) {
	for _, elem := range elements {
		delete(set, elem)
	}
}

func (set Set[T]) Len() int {
	return len(set)
}

// Collect 以任意顺序返回全部元素。
func (set Set[T]) Collect() []T {
	return lo.Keys(set)
}

func SortedCollect[T constraints.Ordered](set Set[T]) []T {
	ret := set.Collect()
	slices.Sort(ret)
	return ret
}

// TagSet 记录一个消息内已占用的字段编号。
type TagSet struct {
	Set[int]
}

func NewTagSet(tags ...int) TagSet {
	return TagSet{NewSet(tags...)}
}

// Claim 占用不小于 from 的最小空闲编号并返回它。
func (s TagSet) Claim(from int) int {
	tag := max(from, 1)
	for s.Contain(tag) {
		tag++
	}
	s.Insert(tag)
	return tag
}
