package wire

import (
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

type readFrame struct {
	kind     tokenKind
	end      int
	field    int
	ended    bool
	packed   WireType
	counters map[any]int
}

// LateReader 读取一个延迟对象的消息体。
type LateReader func(r *Reader) error

// Reader 是单次反序列化的输入状态。Reader 不是并发安全的。
type Reader struct {
	buf      []byte
	pos      int
	end      int
	field    int
	wireType WireType
	stack    []readFrame
	maxDepth int
	counters map[any]int

	objects map[int]reflect.Value
	late    map[int]LateReader
}

func NewReader(data []byte, maxDepth int) *Reader {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Reader{
		buf:      data,
		end:      len(data),
		wireType: None,
		maxDepth: maxDepth,
	}
}

func (r *Reader) top() *readFrame {
	if len(r.stack) == 0 {
		return nil
	}
	return &r.stack[len(r.stack)-1]
}

// FieldNumber 返回最近读到的字段编号。
func (r *Reader) FieldNumber() int {
	return r.field
}

// WireType 返回当前待读值的线路类型，值已读取时为 None。
func (r *Reader) WireType() WireType {
	return r.wireType
}

func (r *Reader) Depth() int {
	return len(r.stack)
}

func (r *Reader) malformed(reason string) error {
	return merr.WrapErrMalformed(reason, fmt.Sprintf("offset %d", r.pos))
}

// ReadFieldHeader 读取下一个字段头。到达当前子消息末尾或遇到匹配的
// EndGroup 时返回 0。
func (r *Reader) ReadFieldHeader() (int, error) {
	if r.wireType != None {
		return 0, merr.WrapErrServiceInternal(fmt.Sprintf("field %d was not consumed", r.field))
	}
	f := r.top()
	if f != nil && f.kind == tokenGroup && f.ended {
		return 0, nil
	}
	if r.pos >= r.end {
		if f != nil && f.kind == tokenGroup {
			return 0, r.malformed(fmt.Sprintf("group %d is not terminated", f.field))
		}
		return 0, nil
	}
	num, typ, n := protowire.ConsumeTag(r.buf[r.pos:r.end])
	if n < 0 {
		return 0, r.malformed(protowire.ParseError(n).Error())
	}
	r.pos += n
	if typ == protowire.EndGroupType {
		if f == nil || f.kind != tokenGroup || f.field != int(num) {
			return 0, r.malformed(fmt.Sprintf("unexpected end of group %d", num))
		}
		f.ended = true
		return 0, nil
	}
	wt := fromPhysical(typ)
	if wt == None {
		return 0, r.malformed(fmt.Sprintf("unknown wire type %d", typ))
	}
	r.field, r.wireType = int(num), wt
	return r.field, nil
}

// Hint 在线路类型兼容时细化当前值的解释方式，例如将 Varint 视作 SignedVarint。
func (r *Reader) Hint(wt WireType) {
	if r.wireType == Varint && wt == SignedVarint {
		r.wireType = SignedVarint
	}
}

// Assert 校验当前值的物理线路类型。
func (r *Reader) Assert(wt WireType) error {
	if r.wireType == None || r.wireType.Physical() != wt.Physical() {
		return merr.WrapErrUnexpectedWireType(r.field, wt, r.wireType)
	}
	return nil
}

// SkipField 跳过当前字段的值，包括整个分组。
func (r *Reader) SkipField() error {
	if r.wireType == None {
		return merr.WrapErrServiceInternal("skip without field header")
	}
	n := protowire.ConsumeFieldValue(protowire.Number(r.field), r.wireType.Physical(), r.buf[r.pos:r.end])
	if n < 0 {
		return r.malformed(protowire.ParseError(n).Error())
	}
	r.pos += n
	r.wireType = None
	return nil
}

func (r *Reader) take() (WireType, error) {
	if r.wireType != None {
		wt := r.wireType
		r.wireType = None
		return wt, nil
	}
	if f := r.top(); f != nil && f.packed != None {
		if r.pos >= r.end {
			return None, r.malformed("packed block exhausted")
		}
		return f.packed, nil
	}
	return None, merr.WrapErrServiceInternal("value read without field header")
}

func (r *Reader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.pos:r.end])
	if n < 0 {
		return 0, r.malformed(protowire.ParseError(n).Error())
	}
	r.pos += n
	return v, nil
}

func (r *Reader) fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(r.buf[r.pos:r.end])
	if n < 0 {
		return 0, r.malformed(protowire.ParseError(n).Error())
	}
	r.pos += n
	return v, nil
}

func (r *Reader) fixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(r.buf[r.pos:r.end])
	if n < 0 {
		return 0, r.malformed(protowire.ParseError(n).Error())
	}
	r.pos += n
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	wt, err := r.take()
	if err != nil {
		return 0, err
	}
	switch wt {
	case Varint:
		v, err := r.varint()
		return int64(v), err
	case SignedVarint:
		v, err := r.varint()
		return protowire.DecodeZigZag(v), err
	case Fixed64:
		v, err := r.fixed64()
		return int64(v), err
	case Fixed32:
		v, err := r.fixed32()
		return int64(int32(v)), err
	default:
		return 0, merr.WrapErrUnexpectedWireType(r.field, "integer", wt)
	}
}

func (r *Reader) ReadUint64() (uint64, error) {
	wt, err := r.take()
	if err != nil {
		return 0, err
	}
	switch wt {
	case Varint:
		return r.varint()
	case Fixed64:
		return r.fixed64()
	case Fixed32:
		v, err := r.fixed32()
		return uint64(v), err
	default:
		return 0, merr.WrapErrUnexpectedWireType(r.field, "unsigned integer", wt)
	}
}

func (r *Reader) ReadBool() (bool, error) {
	wt, err := r.take()
	if err != nil {
		return false, err
	}
	if wt != Varint {
		return false, merr.WrapErrUnexpectedWireType(r.field, Varint, wt)
	}
	v, err := r.varint()
	return protowire.DecodeBool(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	wt, err := r.take()
	if err != nil {
		return 0, err
	}
	switch wt {
	case Fixed64:
		v, err := r.fixed64()
		return math.Float64frombits(v), err
	case Fixed32:
		v, err := r.fixed32()
		return float64(math.Float32frombits(v)), err
	default:
		return 0, merr.WrapErrUnexpectedWireType(r.field, Fixed64, wt)
	}
}

func (r *Reader) ReadFloat32() (float32, error) {
	wt, err := r.take()
	if err != nil {
		return 0, err
	}
	switch wt {
	case Fixed32:
		v, err := r.fixed32()
		return math.Float32frombits(v), err
	case Fixed64:
		v, err := r.fixed64()
		f := math.Float64frombits(v)
		if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
			return 0, merr.WrapErrInvalidValue("float32", f, "value overflows float32")
		}
		return float32(f), err
	default:
		return 0, merr.WrapErrUnexpectedWireType(r.field, Fixed32, wt)
	}
}

func (r *Reader) readRaw() ([]byte, error) {
	wt, err := r.take()
	if err != nil {
		return nil, err
	}
	if wt != Bytes {
		return nil, merr.WrapErrUnexpectedWireType(r.field, Bytes, wt)
	}
	v, n := protowire.ConsumeBytes(r.buf[r.pos:r.end])
	if n < 0 {
		return nil, r.malformed(protowire.ParseError(n).Error())
	}
	r.pos += n
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	v, err := r.readRaw()
	return string(v), err
}

// ReadBytes 返回值的副本，不与输入缓冲区共享内存。
func (r *Reader) ReadBytes() ([]byte, error) {
	v, err := r.readRaw()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// StartSubItem 进入当前字段的子消息，没有字段头时进入根消息。
func (r *Reader) StartSubItem() (Token, error) {
	if len(r.stack) >= r.maxDepth {
		return 0, merr.WrapErrDepthExceeded(len(r.stack)+1, r.maxDepth)
	}
	f := readFrame{end: r.end, packed: None}
	switch r.wireType {
	case Bytes:
		l, err := r.varint()
		if err != nil {
			return 0, err
		}
		if l > uint64(r.end-r.pos) {
			return 0, r.malformed(fmt.Sprintf("length %d exceeds remaining %d bytes", l, r.end-r.pos))
		}
		f.kind = tokenPrefix
		r.end = r.pos + int(l)
	case StartGroup:
		f.kind = tokenGroup
		f.field = r.field
	case None:
		f.kind = tokenRoot
	default:
		return 0, merr.WrapErrUnexpectedWireType(r.field, Bytes, r.wireType)
	}
	r.wireType = None
	r.stack = append(r.stack, f)
	return Token(len(r.stack)), nil
}

// EndSubItem 离开 tok 对应的子消息；分组中未读取的字段会被跳过。
func (r *Reader) EndSubItem(tok Token) error {
	if tok <= 0 || int(tok) != len(r.stack) {
		return merr.WrapErrServiceInternal(fmt.Sprintf("sub-item %d ended at depth %d", tok, len(r.stack)))
	}
	r.wireType = None
	f := r.top()
	switch f.kind {
	case tokenPrefix:
		if r.pos != r.end {
			return r.malformed(fmt.Sprintf("%d trailing bytes in sub-item", r.end-r.pos))
		}
		r.end = f.end
	case tokenGroup:
		for !f.ended {
			field, err := r.ReadFieldHeader()
			if err != nil {
				return err
			}
			if field == 0 {
				break
			}
			if err := r.SkipField(); err != nil {
				return err
			}
		}
	}
	r.stack = r.stack[:len(r.stack)-1]
	return nil
}

// StartPacked 进入一个 packed 块，块内每次读取都按 itemType 解码。
func (r *Reader) StartPacked(itemType WireType) (Token, error) {
	if r.wireType != Bytes {
		return 0, merr.WrapErrUnexpectedWireType(r.field, Bytes, r.wireType)
	}
	tok, err := r.StartSubItem()
	if err != nil {
		return 0, err
	}
	r.top().packed = itemType
	return tok, nil
}

// HasPackedItem 表示当前 packed 块是否还有剩余元素。
func (r *Reader) HasPackedItem() bool {
	return r.pos < r.end
}

// Next 返回 key 在当前子消息内已出现的次数并将其加一。
func (r *Reader) Next(key any) int {
	var counters map[any]int
	if f := r.top(); f != nil {
		if f.counters == nil {
			f.counters = make(map[any]int)
		}
		counters = f.counters
	} else {
		if r.counters == nil {
			r.counters = make(map[any]int)
		}
		counters = r.counters
	}
	n := counters[key]
	counters[key] = n + 1
	return n
}

// RegisterObject 记录对象编号对应的实例，需在读取对象体之前调用。
func (r *Reader) RegisterObject(id int, v reflect.Value) {
	if r.objects == nil {
		r.objects = make(map[int]reflect.Value)
	}
	r.objects[id] = v
}

func (r *Reader) Object(id int) (reflect.Value, bool) {
	v, ok := r.objects[id]
	return v, ok
}

// AddLate 登记一个消息体尚未出现的对象。
func (r *Reader) AddLate(id int, fn LateReader) {
	if r.late == nil {
		r.late = make(map[int]LateReader)
	}
	r.late[id] = fn
}

// TakeLate 取出并移除编号为 id 的待读对象。
func (r *Reader) TakeLate(id int) (LateReader, bool) {
	fn, ok := r.late[id]
	if ok {
		delete(r.late, id)
	}
	return fn, ok
}

func (r *Reader) PendingLate() int {
	return len(r.late)
}
