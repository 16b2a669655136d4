package convert

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/calibrate"
	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/instrument"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/rewrite"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// TensorKey identifies one dumped activation: the operator it belongs to and
// which rendition of the graph produced it.
type TensorKey struct {
	Name string
	Type string // "fp32" or "int8"
}

// DumpOptions configures an activation dump over one calibration batch.
type DumpOptions struct {
	// Quantized is the converted graph. FP32 is the optimized float graph;
	// when nil only quantized activations are dumped.
	Quantized *graph.Graph
	FP32      *graph.Graph

	// Ops are the convolution names to observe.
	Ops     []string
	Outputs []string

	Runner  calibrate.Runner
	Dataset calibrate.Dataset
	Log     logger.Logger
}

// DumpTensors taps the requested operators in both graph renditions, runs a
// single captured inference through each, and returns the observed
// activations. Quantized outputs are normalized onto [0, 1] style float
// scales: unsigned (Relu) activations divide by 255, signed ones by 127, so
// the fp32 and int8 dumps of one operator are directly comparable.
func DumpTensors(ctx context.Context, opts DumpOptions) (map[TensorKey]*tensor.Dense, error) {
	if opts.Quantized == nil {
		return nil, fmt.Errorf("convert: dump requires the quantized graph")
	}
	if len(opts.Ops) == 0 {
		return nil, fmt.Errorf("convert: no operators to dump")
	}

	out := map[TensorKey]*tensor.Dense{}

	qm, err := graph.NodeMap(opts.Quantized)
	if err != nil {
		return nil, err
	}
	qTaps := map[string]string{} // tapped node -> op name
	var qNodes []string
	for _, op := range opts.Ops {
		tap := op + rewrite.SuffixRequantize
		if _, ok := qm[tap]; !ok {
			tap = op
			if _, ok := qm[tap]; !ok {
				return nil, fmt.Errorf("convert: operator %q absent from quantized graph", op)
			}
		}
		qTaps[tap] = op
		qNodes = append(qNodes, tap)
	}
	if err := dumpFromGraph(ctx, opts, opts.Quantized, qNodes, func(rec instrument.Record, t *tensor.Dense) error {
		op, ok := qTaps[rec.Node]
		if !ok {
			return nil
		}
		node := qm[rec.Node]
		dq, err := normalizeQuantized(t, strings.Contains(node.Op, "Relu"))
		if err != nil {
			return fmt.Errorf("convert: dump %q: %w", op, err)
		}
		out[TensorKey{Name: op, Type: "int8"}] = dq
		return nil
	}); err != nil {
		return nil, err
	}

	if opts.FP32 == nil {
		return out, nil
	}
	if err := opts.Dataset.Reset(); err != nil {
		return nil, err
	}

	fm, err := graph.NodeMap(opts.FP32)
	if err != nil {
		return nil, err
	}
	consumers := graph.Consumers(opts.FP32)
	fTaps := map[string]string{}
	var fNodes []string
	for _, op := range opts.Ops {
		conv, ok := fm[op]
		if !ok {
			continue
		}
		// The float counterpart of the fused output sits at the end of the
		// conv's bias chain.
		tap := conv.Name
		if chain, ok := rewrite.LongestFuseChain(conv, fm, consumers); ok {
			tap = chain.Last().Name
		}
		fTaps[tap] = op
		fNodes = append(fNodes, tap)
	}
	if err := dumpFromGraph(ctx, opts, opts.FP32, fNodes, func(rec instrument.Record, t *tensor.Dense) error {
		op, ok := fTaps[rec.Node]
		if !ok {
			return nil
		}
		out[TensorKey{Name: op, Type: "fp32"}] = t
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// dumpFromGraph instruments the named nodes, runs one batch under capture
// and hands each parsed record's first tensor to visit.
func dumpFromGraph(ctx context.Context, opts DumpOptions, g *graph.Graph, nodes []string, visit func(instrument.Record, *tensor.Dense) error) error {
	logged, err := instrument.InsertLogging(g, opts.Log, instrument.Options{
		Nodes:   nodes,
		Message: instrument.TagKL,
	})
	if err != nil {
		return err
	}
	feed, err := opts.Dataset.Next()
	if err != nil {
		return fmt.Errorf("convert: dump batch: %w", err)
	}
	// A tapped node may itself be a declared output with no consumers, so
	// the taps are requested alongside the outputs to keep them inside the
	// engine's evaluation closure.
	outputs := append([]string(nil), opts.Outputs...)
	for _, n := range nodes {
		outputs = append(outputs, n+instrument.PrintSuffix)
	}
	text, err := instrument.Capture(os.Stderr, func() error {
		return opts.Runner.Run(ctx, logged, feed, outputs)
	})
	if err != nil {
		return err
	}
	records, err := instrument.SplitRecords(text)
	if err != nil {
		return err
	}
	for _, rec := range records {
		lits := instrument.SplitLiterals(rec.Payload)
		if len(lits) == 0 {
			continue
		}
		t, err := instrument.ParseTensorLiteral(lits[0])
		if err != nil {
			return err
		}
		if err := visit(rec, t); err != nil {
			return err
		}
	}
	return nil
}

// normalizeQuantized maps integer activations onto the float grid their
// 8-bit encoding spans.
func normalizeQuantized(t *tensor.Dense, unsigned bool) (*tensor.Dense, error) {
	if t.DType == tensor.DTypeF32 {
		return t, nil
	}
	if t.DType != tensor.DTypeI32 {
		return nil, fmt.Errorf("unexpected dump dtype %s", t.DType)
	}
	scale := float32(127)
	if unsigned {
		scale = 255
	}
	out := &tensor.Dense{DType: tensor.DTypeF32, Shape: append([]int(nil), t.Shape...), F32: make([]float32, len(t.I32))}
	for i, v := range t.I32 {
		out.F32[i] = float32(v) / scale
	}
	return out, nil
}
