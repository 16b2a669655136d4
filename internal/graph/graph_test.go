package graph

import (
	"testing"

	"github.com/lowbit-ml/lowbit/internal/tensor"
)

func TestAttrKindMismatch(t *testing.T) {
	a := AttrFloat(1.5)
	if _, err := a.Float(); err != nil {
		t.Fatalf("Float() on float attr: %v", err)
	}
	if _, err := a.Int(); err == nil {
		t.Fatal("expected error reading float attr as int")
	}
	if _, err := a.Tensor(); err == nil {
		t.Fatal("expected error reading float attr as tensor")
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	g := New()
	g.Add(NewNode("a", OpConst))
	g.Add(NewNode("a", OpConst))
	if err := g.Validate(); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"conv", "conv"},
		{"conv:0", "conv"},
		{"conv:12", "conv"},
		{"^conv", "conv"},
		{"^conv:1", "conv"},
		{"scope/conv:1", "scope/conv"},
		{"weird:name", "weird:name"},
	}
	for _, tc := range tests {
		if got := BaseName(tc.ref); got != tc.want {
			t.Errorf("BaseName(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestSortByDependency(t *testing.T) {
	g := New()
	g.Add(NewNode("out", OpRelu, "mid"))
	g.Add(NewNode("mid", OpIdentity, "in:0"))
	g.Add(NewNode("in", OpPlaceholder))

	sorted, err := SortByDependency(g, []string{"out"})
	if err != nil {
		t.Fatal(err)
	}
	pos := map[string]int{}
	for i, n := range sorted {
		pos[n.Name] = i
	}
	if !(pos["in"] < pos["mid"] && pos["mid"] < pos["out"]) {
		t.Fatalf("bad order: %v", pos)
	}
}

func TestSortByDependencyCycle(t *testing.T) {
	g := New()
	g.Add(NewNode("a", OpIdentity, "b"))
	g.Add(NewNode("b", OpIdentity, "a"))
	if _, err := SortByDependency(g, []string{"a"}); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestDependencyClosure(t *testing.T) {
	g := New()
	g.Add(NewNode("in", OpPlaceholder))
	g.Add(NewNode("keep", OpRelu, "in"))
	g.Add(NewNode("dead", OpRelu, "in"))

	closure, err := DependencyClosure(g, []string{"keep"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := closure["dead"]; ok {
		t.Fatal("dead node ended up in closure")
	}
	for _, name := range []string{"in", "keep"} {
		if _, ok := closure[name]; !ok {
			t.Fatalf("%s missing from closure", name)
		}
	}
}

func TestConsumersUsesBaseName(t *testing.T) {
	g := New()
	g.Add(NewNode("src", OpConst))
	g.Add(NewNode("a", OpIdentity, "src:1"))
	g.Add(NewNode("b", OpIdentity, "^src"))

	consumers := Consumers(g)
	if len(consumers["src"]) != 2 {
		t.Fatalf("expected 2 consumers of src, got %d", len(consumers["src"]))
	}
}

func TestConstValue(t *testing.T) {
	c := ConstScalarF32("s", 2.5)
	v, err := ConstValue(c)
	if err != nil {
		t.Fatal(err)
	}
	if v.DType != tensor.DTypeF32 || len(v.F32) != 1 || v.F32[0] != 2.5 {
		t.Fatalf("unexpected const value %+v", v)
	}

	if _, err := ConstValue(NewNode("p", OpPlaceholder)); err == nil {
		t.Fatal("expected error for non-const node")
	}
}

func TestNodeCloneIsDeep(t *testing.T) {
	n := NewNode("n", OpConv2D, "a", "b")
	n.SetAttr("strides", AttrInts([]int64{1, 1, 1, 1}))

	c := n.Clone()
	c.Inputs[0] = "changed"
	ints, err := c.Attrs["strides"].Ints()
	if err != nil {
		t.Fatal(err)
	}
	ints[0] = 9

	if n.Inputs[0] != "a" {
		t.Fatal("clone shares input slice")
	}
	orig, _ := n.Attrs["strides"].Ints()
	if orig[0] != 1 {
		t.Fatal("clone shares attr storage")
	}
}
