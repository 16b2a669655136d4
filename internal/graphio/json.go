package graphio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	json "github.com/goccy/go-json"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// The text form mirrors the IR one-to-one. Tensor payloads are base64 of the
// little-endian element bytes so text graphs stay diffable without being
// enormous.

type jsonGraph struct {
	Nodes []jsonNode `json:"nodes"`
}

type jsonNode struct {
	Name   string              `json:"name"`
	Op     string              `json:"op"`
	Inputs []string            `json:"inputs,omitempty"`
	Attrs  map[string]jsonAttr `json:"attrs,omitempty"`
}

type jsonAttr struct {
	Kind   string      `json:"kind"`
	Float  float64     `json:"float,omitempty"`
	Int    int64       `json:"int,omitempty"`
	Bool   bool        `json:"bool,omitempty"`
	Str    string      `json:"str,omitempty"`
	Type   string      `json:"type,omitempty"`
	Ints   []int64     `json:"ints,omitempty"`
	Tensor *jsonTensor `json:"tensor,omitempty"`
}

type jsonTensor struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Data  string `json:"data"`
}

// MarshalText encodes a graph in the JSON text form.
func MarshalText(g *graph.Graph) ([]byte, error) {
	out := jsonGraph{Nodes: make([]jsonNode, 0, len(g.Nodes))}
	for _, n := range g.Nodes {
		jn := jsonNode{Name: n.Name, Op: n.Op, Inputs: n.Inputs}
		if len(n.Attrs) > 0 {
			jn.Attrs = make(map[string]jsonAttr, len(n.Attrs))
			for _, k := range sortedAttrKeys(n.Attrs) {
				ja, err := encodeAttr(n.Attrs[k])
				if err != nil {
					return nil, fmt.Errorf("node %q attr %q: %w", n.Name, k, err)
				}
				jn.Attrs[k] = ja
			}
		}
		out.Nodes = append(out.Nodes, jn)
	}
	return json.MarshalIndent(out, "", "  ")
}

// UnmarshalText decodes the JSON text form.
func UnmarshalText(data []byte) (*graph.Graph, error) {
	var in jsonGraph
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("graphio: parse text graph: %w", err)
	}
	g := graph.New()
	for _, jn := range in.Nodes {
		n := graph.NewNode(jn.Name, jn.Op, jn.Inputs...)
		for k, ja := range jn.Attrs {
			a, err := decodeAttr(ja)
			if err != nil {
				return nil, fmt.Errorf("node %q attr %q: %w", jn.Name, k, err)
			}
			n.SetAttr(k, a)
		}
		g.Add(n)
	}
	return g, nil
}

func encodeAttr(a *graph.Attr) (jsonAttr, error) {
	switch a.Kind() {
	case graph.KindFloat:
		v, _ := a.Float()
		return jsonAttr{Kind: "float", Float: v}, nil
	case graph.KindInt:
		v, _ := a.Int()
		return jsonAttr{Kind: "int", Int: v}, nil
	case graph.KindBool:
		v, _ := a.Bool()
		return jsonAttr{Kind: "bool", Bool: v}, nil
	case graph.KindString:
		v, _ := a.Str()
		return jsonAttr{Kind: "string", Str: v}, nil
	case graph.KindType:
		v, _ := a.Type()
		return jsonAttr{Kind: "type", Type: v.String()}, nil
	case graph.KindInts:
		v, _ := a.Ints()
		return jsonAttr{Kind: "ints", Ints: v}, nil
	case graph.KindTensor:
		v, _ := a.Tensor()
		jt, err := encodeTensor(v)
		if err != nil {
			return jsonAttr{}, err
		}
		return jsonAttr{Kind: "tensor", Tensor: jt}, nil
	default:
		return jsonAttr{}, fmt.Errorf("unencodable attribute kind %s", a.Kind())
	}
}

func decodeAttr(ja jsonAttr) (*graph.Attr, error) {
	switch ja.Kind {
	case "float":
		return graph.AttrFloat(ja.Float), nil
	case "int":
		return graph.AttrInt(ja.Int), nil
	case "bool":
		return graph.AttrBool(ja.Bool), nil
	case "string":
		return graph.AttrString(ja.Str), nil
	case "type":
		dt, err := parseDType(ja.Type)
		if err != nil {
			return nil, err
		}
		return graph.AttrType(dt), nil
	case "ints":
		return graph.AttrInts(ja.Ints), nil
	case "tensor":
		if ja.Tensor == nil {
			return nil, fmt.Errorf("tensor attribute without payload")
		}
		t, err := decodeTensor(*ja.Tensor)
		if err != nil {
			return nil, err
		}
		return graph.AttrTensor(t), nil
	default:
		return nil, fmt.Errorf("unknown attribute kind %q", ja.Kind)
	}
}

func encodeTensor(t *tensor.Dense) (*jsonTensor, error) {
	var raw []byte
	switch t.DType {
	case tensor.DTypeF32:
		raw = make([]byte, 4*len(t.F32))
		for i, v := range t.F32 {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
	case tensor.DTypeI32, tensor.DTypeQI32:
		raw = make([]byte, 4*len(t.I32))
		for i, v := range t.I32 {
			binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
		}
	case tensor.DTypeI8, tensor.DTypeQI8:
		raw = make([]byte, len(t.I8))
		for i, v := range t.I8 {
			raw[i] = byte(v)
		}
	case tensor.DTypeU8, tensor.DTypeQU8:
		raw = append(raw, t.U8...)
	default:
		return nil, fmt.Errorf("unencodable tensor dtype %s", t.DType)
	}
	return &jsonTensor{
		DType: t.DType.String(),
		Shape: t.Shape,
		Data:  base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func decodeTensor(jt jsonTensor) (*tensor.Dense, error) {
	dt, err := parseDType(jt.DType)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(jt.Data)
	if err != nil {
		return nil, fmt.Errorf("tensor payload: %w", err)
	}
	n := tensor.NumElems(jt.Shape)
	if want := n * dt.Size(); want != len(raw) {
		return nil, fmt.Errorf("tensor payload is %d bytes, shape %v needs %d", len(raw), jt.Shape, want)
	}
	t := &tensor.Dense{DType: dt, Shape: jt.Shape}
	switch dt {
	case tensor.DTypeF32:
		t.F32 = make([]float32, n)
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.DTypeI32, tensor.DTypeQI32:
		t.I32 = make([]int32, n)
		for i := range t.I32 {
			t.I32[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.DTypeI8, tensor.DTypeQI8:
		t.I8 = make([]int8, n)
		for i := range t.I8 {
			t.I8[i] = int8(raw[i])
		}
	case tensor.DTypeU8, tensor.DTypeQU8:
		t.U8 = raw
	}
	return t, nil
}

func parseDType(s string) (tensor.DType, error) {
	for _, dt := range []tensor.DType{
		tensor.DTypeF32, tensor.DTypeI32, tensor.DTypeI8, tensor.DTypeU8,
		tensor.DTypeQI8, tensor.DTypeQU8, tensor.DTypeQI32,
	} {
		if dt.String() == s {
			return dt, nil
		}
	}
	return tensor.DTypeInvalid, fmt.Errorf("unknown dtype %q", s)
}
