package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lk2023060901/danmu-garden-protobuf/pkg/util/merr"
)

type tokenKind int

const (
	tokenRoot tokenKind = iota
	tokenPrefix
	tokenGroup
)

// Token 标识一个尚未结束的子消息，必须按栈顺序交还给 EndSubItem。
type Token int

type writeFrame struct {
	kind   tokenKind
	start  int
	field  int
	packed WireType
}

// LateWriter 写出一个延迟对象的消息体。
type LateWriter func(w *Writer) error

type lateItem struct {
	id int
	fn LateWriter
}

// Writer 是单次序列化的输出状态：缓冲区、待写字段头、子消息栈、
// 对象标识表与延迟队列。Writer 不是并发安全的。
type Writer struct {
	buf      []byte
	field    int
	wireType WireType
	packed   WireType
	stack    []writeFrame
	maxDepth int

	objects map[any]int
	nextID  int

	lateOn bool
	late   []lateItem
}

func NewWriter(maxDepth int) *Writer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Writer{
		wireType: None,
		packed:   None,
		maxDepth: maxDepth,
	}
}

// Bytes 返回已写出的数据，调用方不应在 Writer 继续使用时修改它。
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Depth 返回当前子消息嵌套深度。
func (w *Writer) Depth() int {
	return len(w.stack)
}

func (w *Writer) MaxDepth() int {
	return w.maxDepth
}

// WriteFieldHeader 写出字段头并记录待写值的线路类型。
func (w *Writer) WriteFieldHeader(field int, wt WireType) error {
	if field < 1 || field > MaxFieldNumber {
		return merr.WrapErrInvalidTag("", field)
	}
	if w.wireType != None {
		return merr.WrapErrServiceInternal(fmt.Sprintf("field %d header written before its value", w.field))
	}
	switch wt {
	case Varint, SignedVarint, Fixed32, Fixed64, Bytes, StartGroup:
	default:
		return merr.WrapErrUnexpectedWireType(field, "value wire type", wt)
	}
	w.buf = protowire.AppendTag(w.buf, protowire.Number(field), wt.Physical())
	w.field, w.wireType = field, wt
	return nil
}

// take 取出当前值应使用的线路类型：显式字段头优先，其次是 packed 块的元素类型。
func (w *Writer) take() (WireType, error) {
	if w.wireType != None {
		wt := w.wireType
		w.wireType = None
		return wt, nil
	}
	if w.packed != None {
		return w.packed, nil
	}
	return None, merr.WrapErrServiceInternal("value written without field header")
}

func (w *Writer) WriteInt64(v int64) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	switch wt {
	case Varint:
		w.buf = protowire.AppendVarint(w.buf, uint64(v))
	case SignedVarint:
		w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
	case Fixed64:
		w.buf = protowire.AppendFixed64(w.buf, uint64(v))
	case Fixed32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return merr.WrapErrInvalidValue("fixed32", v, "value does not fit in 32 bits")
		}
		w.buf = protowire.AppendFixed32(w.buf, uint32(int32(v)))
	default:
		return merr.WrapErrUnexpectedWireType(w.field, "integer", wt)
	}
	return nil
}

func (w *Writer) WriteUint64(v uint64) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	switch wt {
	case Varint:
		w.buf = protowire.AppendVarint(w.buf, v)
	case Fixed64:
		w.buf = protowire.AppendFixed64(w.buf, v)
	case Fixed32:
		if v > math.MaxUint32 {
			return merr.WrapErrInvalidValue("fixed32", v, "value does not fit in 32 bits")
		}
		w.buf = protowire.AppendFixed32(w.buf, uint32(v))
	default:
		return merr.WrapErrUnexpectedWireType(w.field, "unsigned integer", wt)
	}
	return nil
}

func (w *Writer) WriteBool(v bool) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	if wt != Varint {
		return merr.WrapErrUnexpectedWireType(w.field, Varint, wt)
	}
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeBool(v))
	return nil
}

func (w *Writer) WriteFloat64(v float64) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	switch wt {
	case Fixed64:
		w.buf = protowire.AppendFixed64(w.buf, math.Float64bits(v))
	case Fixed32:
		w.buf = protowire.AppendFixed32(w.buf, math.Float32bits(float32(v)))
	default:
		return merr.WrapErrUnexpectedWireType(w.field, Fixed64, wt)
	}
	return nil
}

func (w *Writer) WriteFloat32(v float32) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	switch wt {
	case Fixed32:
		w.buf = protowire.AppendFixed32(w.buf, math.Float32bits(v))
	case Fixed64:
		w.buf = protowire.AppendFixed64(w.buf, math.Float64bits(float64(v)))
	default:
		return merr.WrapErrUnexpectedWireType(w.field, Fixed32, wt)
	}
	return nil
}

func (w *Writer) WriteString(v string) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	if wt != Bytes {
		return merr.WrapErrUnexpectedWireType(w.field, Bytes, wt)
	}
	w.buf = protowire.AppendString(w.buf, v)
	return nil
}

func (w *Writer) WriteBytes(v []byte) error {
	wt, err := w.take()
	if err != nil {
		return err
	}
	if wt != Bytes {
		return merr.WrapErrUnexpectedWireType(w.field, Bytes, wt)
	}
	w.buf = protowire.AppendBytes(w.buf, v)
	return nil
}

// StartSubItem 开启一个子消息。字段头为 Bytes 时使用长度前缀，
// 为 StartGroup 时使用分组；没有字段头时表示根消息，不写任何帧。
func (w *Writer) StartSubItem() (Token, error) {
	if len(w.stack) >= w.maxDepth {
		return 0, merr.WrapErrDepthExceeded(len(w.stack)+1, w.maxDepth)
	}
	var f writeFrame
	switch w.wireType {
	case Bytes:
		f = writeFrame{kind: tokenPrefix, start: len(w.buf)}
	case StartGroup:
		f = writeFrame{kind: tokenGroup, field: w.field}
	case None:
		if w.packed != None {
			return 0, merr.WrapErrUnexpectedWireType(w.field, "scalar", "sub-item inside packed block")
		}
		f = writeFrame{kind: tokenRoot}
	default:
		return 0, merr.WrapErrUnexpectedWireType(w.field, Bytes, w.wireType)
	}
	f.packed = w.packed
	w.packed = None
	w.wireType = None
	w.stack = append(w.stack, f)
	return Token(len(w.stack)), nil
}

// EndSubItem 结束 tok 对应的子消息，长度前缀在此时回填。
func (w *Writer) EndSubItem(tok Token) error {
	if tok <= 0 || int(tok) != len(w.stack) {
		return merr.WrapErrServiceInternal(fmt.Sprintf("sub-item %d ended at depth %d", tok, len(w.stack)))
	}
	if w.wireType != None {
		return merr.WrapErrServiceInternal(fmt.Sprintf("field %d header without value", w.field))
	}
	f := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	switch f.kind {
	case tokenPrefix:
		w.insertLength(f.start)
	case tokenGroup:
		w.buf = protowire.AppendTag(w.buf, protowire.Number(f.field), protowire.EndGroupType)
	}
	w.packed = f.packed
	return nil
}

// StartPacked 以 Bytes 字段开启一个 packed 块，块内的值按 itemType 编码且不带字段头。
func (w *Writer) StartPacked(field int, itemType WireType) (Token, error) {
	if !itemType.Packable() {
		return 0, merr.WrapErrUnexpectedWireType(field, "packable scalar", itemType)
	}
	if err := w.WriteFieldHeader(field, Bytes); err != nil {
		return 0, err
	}
	tok, err := w.StartSubItem()
	if err != nil {
		return 0, err
	}
	w.packed = itemType
	return tok, nil
}

func (w *Writer) insertLength(start int) {
	n := len(w.buf) - start
	size := protowire.SizeVarint(uint64(n))
	w.buf = append(w.buf, make([]byte, size)...)
	copy(w.buf[start+size:], w.buf[start:start+n])
	protowire.AppendVarint(w.buf[:start], uint64(n))
}

// AddObject 为 obj 分配对象编号；obj 已出现过时返回已有编号与 true。
func (w *Writer) AddObject(obj any) (int, bool) {
	if w.objects == nil {
		w.objects = make(map[any]int)
	}
	if id, ok := w.objects[obj]; ok {
		return id, true
	}
	w.nextID++
	w.objects[obj] = w.nextID
	return w.nextID, false
}

// EnableLate 声明当前根帧支持延迟对象体。
func (w *Writer) EnableLate() {
	w.lateOn = true
}

func (w *Writer) LateEnabled() bool {
	return w.lateOn
}

func (w *Writer) EnqueueLate(id int, fn LateWriter) error {
	if !w.lateOn {
		return merr.WrapErrOperationNotSupported("EnqueueLate", "root frame does not carry late references")
	}
	w.late = append(w.late, lateItem{id: id, fn: fn})
	return nil
}

// NextLate 按入队顺序弹出下一个延迟对象。
func (w *Writer) NextLate() (int, LateWriter, bool) {
	if len(w.late) == 0 {
		return 0, nil, false
	}
	item := w.late[0]
	w.late = w.late[1:]
	return item.id, item.fn, true
}
