package graphio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

func sortedAttrKeys(attrs map[string]*graph.Attr) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Binary container layout (all little-endian):
//
//	magic "LBG1" | u16 version | u32 node count | nodes...
//
// Each node is name, op (length-prefixed strings), u32 input count with
// strings, u32 attr count with key, kind byte and kind-specific payload.
// Tensors serialize as dtype byte, u8 rank, i64 dims, then raw elements.

var (
	lbgMagic = [4]byte{'L', 'B', 'G', '1'}

	ErrBadMagic = errors.New("graphio: bad magic, not an LBG graph")
)

const lbgVersion uint16 = 1

// MarshalBinary encodes a graph in the binary container form.
func MarshalBinary(g *graph.Graph) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(lbgMagic[:])
	writeU16(&buf, lbgVersion)
	writeU32(&buf, uint32(len(g.Nodes)))
	for _, n := range g.Nodes {
		writeString(&buf, n.Name)
		writeString(&buf, n.Op)
		writeU32(&buf, uint32(len(n.Inputs)))
		for _, in := range n.Inputs {
			writeString(&buf, in)
		}
		// Deterministic attr order keeps the encoding reproducible.
		keys := sortedAttrKeys(n.Attrs)
		writeU32(&buf, uint32(len(keys)))
		for _, k := range keys {
			writeString(&buf, k)
			if err := writeAttr(&buf, n.Attrs[k]); err != nil {
				return nil, fmt.Errorf("node %q attr %q: %w", n.Name, k, err)
			}
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the binary container form.
func UnmarshalBinary(data []byte) (*graph.Graph, error) {
	r := &reader{data: data}
	var magic [4]byte
	r.read(magic[:])
	if magic != lbgMagic {
		return nil, ErrBadMagic
	}
	if v := r.u16(); v != lbgVersion {
		return nil, fmt.Errorf("graphio: unsupported container version %d", v)
	}
	count := r.u32()
	g := graph.New()
	for i := uint32(0); i < count && r.err == nil; i++ {
		n := graph.NewNode(r.str(), r.str())
		nin := r.u32()
		for j := uint32(0); j < nin && r.err == nil; j++ {
			n.Inputs = append(n.Inputs, r.str())
		}
		nattr := r.u32()
		for j := uint32(0); j < nattr && r.err == nil; j++ {
			key := r.str()
			a, err := readAttr(r)
			if err != nil {
				return nil, fmt.Errorf("node %q attr %q: %w", n.Name, key, err)
			}
			n.SetAttr(key, a)
		}
		g.Add(n)
	}
	if r.err != nil {
		return nil, r.err
	}
	return g, nil
}

const (
	tagFloat byte = iota + 1
	tagInt
	tagBool
	tagString
	tagType
	tagTensor
	tagInts
)

func writeAttr(buf *bytes.Buffer, a *graph.Attr) error {
	switch a.Kind() {
	case graph.KindFloat:
		v, _ := a.Float()
		buf.WriteByte(tagFloat)
		writeU64(buf, math.Float64bits(v))
	case graph.KindInt:
		v, _ := a.Int()
		buf.WriteByte(tagInt)
		writeU64(buf, uint64(v))
	case graph.KindBool:
		v, _ := a.Bool()
		buf.WriteByte(tagBool)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case graph.KindString:
		v, _ := a.Str()
		buf.WriteByte(tagString)
		writeString(buf, v)
	case graph.KindType:
		v, _ := a.Type()
		buf.WriteByte(tagType)
		buf.WriteByte(byte(v))
	case graph.KindTensor:
		v, _ := a.Tensor()
		buf.WriteByte(tagTensor)
		return writeTensor(buf, v)
	case graph.KindInts:
		v, _ := a.Ints()
		buf.WriteByte(tagInts)
		writeU32(buf, uint32(len(v)))
		for _, i := range v {
			writeU64(buf, uint64(i))
		}
	default:
		return fmt.Errorf("unencodable attribute kind %s", a.Kind())
	}
	return nil
}

func readAttr(r *reader) (*graph.Attr, error) {
	switch tag := r.u8(); tag {
	case tagFloat:
		return graph.AttrFloat(math.Float64frombits(r.u64())), r.err
	case tagInt:
		return graph.AttrInt(int64(r.u64())), r.err
	case tagBool:
		return graph.AttrBool(r.u8() != 0), r.err
	case tagString:
		return graph.AttrString(r.str()), r.err
	case tagType:
		return graph.AttrType(tensor.DType(r.u8())), r.err
	case tagTensor:
		t, err := readTensor(r)
		if err != nil {
			return nil, err
		}
		return graph.AttrTensor(t), nil
	case tagInts:
		n := r.u32()
		if err := r.need(uint64(n), 8); err != nil {
			return nil, err
		}
		vals := make([]int64, n)
		for i := range vals {
			vals[i] = int64(r.u64())
		}
		return graph.AttrInts(vals), r.err
	default:
		return nil, fmt.Errorf("unknown attribute tag %d", tag)
	}
}

func writeTensor(buf *bytes.Buffer, t *tensor.Dense) error {
	buf.WriteByte(byte(t.DType))
	buf.WriteByte(byte(len(t.Shape)))
	for _, d := range t.Shape {
		writeU64(buf, uint64(d))
	}
	switch t.DType {
	case tensor.DTypeF32:
		for _, v := range t.F32 {
			writeU32(buf, math.Float32bits(v))
		}
	case tensor.DTypeI32, tensor.DTypeQI32:
		for _, v := range t.I32 {
			writeU32(buf, uint32(v))
		}
	case tensor.DTypeI8, tensor.DTypeQI8:
		for _, v := range t.I8 {
			buf.WriteByte(byte(v))
		}
	case tensor.DTypeU8, tensor.DTypeQU8:
		buf.Write(t.U8)
	default:
		return fmt.Errorf("unencodable tensor dtype %s", t.DType)
	}
	return nil
}

func readTensor(r *reader) (*tensor.Dense, error) {
	dt := tensor.DType(r.u8())
	rank := int(r.u8())
	shape := make([]int, 0, rank)
	// Dims come from the wire, so the element count is bounded against the
	// remaining input before any allocation. One byte per element is the
	// tightest encoding, so a product past the remaining length can only be
	// a corrupt header.
	elems := uint64(1)
	for i := 0; i < rank; i++ {
		d := r.u64()
		if r.err != nil {
			return nil, r.err
		}
		if d > 0 && elems > uint64(r.remaining())/d {
			return nil, fmt.Errorf("graphio: tensor shape %v x %d exceeds %d remaining bytes at offset %d", shape, d, r.remaining(), r.off)
		}
		elems *= d
		shape = append(shape, int(d))
	}
	t := &tensor.Dense{DType: dt, Shape: shape}
	switch dt {
	case tensor.DTypeF32:
		if err := r.need(elems, 4); err != nil {
			return nil, err
		}
		t.F32 = make([]float32, elems)
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(r.u32())
		}
	case tensor.DTypeI32, tensor.DTypeQI32:
		if err := r.need(elems, 4); err != nil {
			return nil, err
		}
		t.I32 = make([]int32, elems)
		for i := range t.I32 {
			t.I32[i] = int32(r.u32())
		}
	case tensor.DTypeI8, tensor.DTypeQI8:
		t.I8 = make([]int8, elems)
		for i := range t.I8 {
			t.I8[i] = int8(r.u8())
		}
	case tensor.DTypeU8, tensor.DTypeQU8:
		t.U8 = make([]uint8, elems)
		r.read(t.U8)
	default:
		return nil, fmt.Errorf("unknown tensor dtype %d", dt)
	}
	return t, r.err
}

// reader tracks an offset and the first error over the raw bytes.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) read(dst []byte) {
	if r.err != nil {
		return
	}
	if r.off+len(dst) > len(r.data) {
		r.err = fmt.Errorf("graphio: truncated container at offset %d", r.off)
		return
	}
	copy(dst, r.data[r.off:])
	r.off += len(dst)
}

func (r *reader) remaining() int { return len(r.data) - r.off }

// need rejects a wire-declared element count whose payload cannot fit in
// the remaining input, so a corrupt length fails like a truncation instead
// of driving a huge allocation.
func (r *reader) need(elems uint64, width int) error {
	if r.err != nil {
		return r.err
	}
	if elems*uint64(width) > uint64(r.remaining()) {
		r.err = fmt.Errorf("graphio: truncated container at offset %d: %d elements exceed %d remaining bytes", r.off, elems, r.remaining())
	}
	return r.err
}

func (r *reader) u8() uint8 {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func (r *reader) u16() uint16 {
	var b [2]byte
	r.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (r *reader) u32() uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) u64() uint64 {
	var b [8]byte
	r.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *reader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	if err := r.need(uint64(n), 1); err != nil {
		return ""
	}
	b := make([]byte, n)
	r.read(b)
	return string(b)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}
