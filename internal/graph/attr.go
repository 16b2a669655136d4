package graph

import (
	"fmt"

	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// AttrKind tags the value held by an Attr.
type AttrKind uint8

const (
	KindInvalid AttrKind = iota
	KindFloat
	KindInt
	KindBool
	KindString
	KindType
	KindTensor
	KindInts
)

func (k AttrKind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindType:
		return "type"
	case KindTensor:
		return "tensor"
	case KindInts:
		return "ints"
	default:
		return "invalid"
	}
}

// Attr is the tagged union stored in a node's attribute bag. Accessors fail
// with the attribute's actual kind instead of silently coercing.
type Attr struct {
	kind   AttrKind
	f      float64
	i      int64
	b      bool
	s      string
	dt     tensor.DType
	tensor *tensor.Dense
	ints   []int64
}

func AttrFloat(v float64) *Attr        { return &Attr{kind: KindFloat, f: v} }
func AttrInt(v int64) *Attr            { return &Attr{kind: KindInt, i: v} }
func AttrBool(v bool) *Attr            { return &Attr{kind: KindBool, b: v} }
func AttrString(v string) *Attr        { return &Attr{kind: KindString, s: v} }
func AttrType(v tensor.DType) *Attr    { return &Attr{kind: KindType, dt: v} }
func AttrTensor(v *tensor.Dense) *Attr { return &Attr{kind: KindTensor, tensor: v} }
func AttrInts(v []int64) *Attr         { return &Attr{kind: KindInts, ints: v} }

// Kind returns the tag of the stored value.
func (a *Attr) Kind() AttrKind { return a.kind }

func (a *Attr) mismatch(want AttrKind) error {
	return fmt.Errorf("attribute holds %s, not %s", a.kind, want)
}

func (a *Attr) Float() (float64, error) {
	if a.kind != KindFloat {
		return 0, a.mismatch(KindFloat)
	}
	return a.f, nil
}

func (a *Attr) Int() (int64, error) {
	if a.kind != KindInt {
		return 0, a.mismatch(KindInt)
	}
	return a.i, nil
}

func (a *Attr) Bool() (bool, error) {
	if a.kind != KindBool {
		return false, a.mismatch(KindBool)
	}
	return a.b, nil
}

func (a *Attr) Str() (string, error) {
	if a.kind != KindString {
		return "", a.mismatch(KindString)
	}
	return a.s, nil
}

func (a *Attr) Type() (tensor.DType, error) {
	if a.kind != KindType {
		return tensor.DTypeInvalid, a.mismatch(KindType)
	}
	return a.dt, nil
}

func (a *Attr) Tensor() (*tensor.Dense, error) {
	if a.kind != KindTensor {
		return nil, a.mismatch(KindTensor)
	}
	return a.tensor, nil
}

func (a *Attr) Ints() ([]int64, error) {
	if a.kind != KindInts {
		return nil, a.mismatch(KindInts)
	}
	return a.ints, nil
}

// Clone deep-copies the attribute, including any tensor payload.
func (a *Attr) Clone() *Attr {
	if a == nil {
		return nil
	}
	out := *a
	out.tensor = a.tensor.Clone()
	out.ints = append([]int64(nil), a.ints...)
	return &out
}
