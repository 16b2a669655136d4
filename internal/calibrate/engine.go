package calibrate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/instrument"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/metrics"
	"github.com/lowbit-ml/lowbit/internal/rewrite"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// ErrOutOfData is returned by a Dataset when no batches remain. The engine
// treats it as a graceful stop, not a failure.
var ErrOutOfData = errors.New("calibrate: dataset exhausted")

// Feed maps graph input names to the tensors fed for one batch.
type Feed map[string]*tensor.Dense

// Dataset supplies calibration batches.
type Dataset interface {
	Next() (Feed, error)
	Reset() error
}

// Runner executes a graph against one batch. Implementations must route the
// engine's Print output to this process's stderr, since that is the stream
// the capture channel redirects.
type Runner interface {
	Run(ctx context.Context, g *graph.Graph, feed Feed, outputs []string) error
}

// Engine drives at most Iterations batches through an instrumented graph,
// capturing Print records and reducing them into frozen ranges.
type Engine struct {
	Runner     Runner
	Dataset    Dataset
	Outputs    []string
	Iterations int
	// KLKeys maps a KL-tapped node name to the requantization-range node its
	// threshold freezes. Unmapped nodes key by name plus the range suffix.
	KLKeys map[string]string
	// KLOutputs are the outputs requested during the fp32 threshold pass.
	// The KL print taps have no consumers, so they must be listed here in
	// addition to the graph outputs or an engine evaluating only the output
	// closure never runs them. Empty falls back to Outputs.
	KLOutputs []string
	Log       logger.Logger
}

// Run calibrates against the instrumented quantized graph. When fp32Logged
// is non-nil it carries KL print taps on the float outputs of KL-configured
// operators; the dataset is replayed against it and the resulting histograms
// yield clipping thresholds that override the observed ranges, keyed by the
// operator's requantization-range node.
func (e *Engine) Run(ctx context.Context, logged, fp32Logged *graph.Graph) (*rewrite.Observed, error) {
	obs := &rewrite.Observed{
		Minima:       map[string][]float32{},
		Maxima:       map[string][]float32{},
		Ranges:       map[string][][2]float32{},
		KLThresholds: map[string]float32{},
	}

	err := e.each(ctx, logged, e.Outputs, func(records []instrument.Record) error {
		return accumulateRanges(obs, records)
	})
	if err != nil {
		return nil, err
	}

	if fp32Logged != nil {
		if err := e.Dataset.Reset(); err != nil {
			return nil, fmt.Errorf("calibrate: reset dataset for threshold pass: %w", err)
		}
		outputs := e.KLOutputs
		if len(outputs) == 0 {
			outputs = e.Outputs
		}
		hists := map[string]*Histogram{}
		err := e.each(ctx, fp32Logged, outputs, func(records []instrument.Record) error {
			return accumulateHistograms(hists, records)
		})
		if err != nil {
			return nil, err
		}
		for node, h := range hists {
			th := h.OptimalThreshold()
			key, ok := e.KLKeys[node]
			if !ok {
				key = node + rewrite.SuffixRequantRange
			}
			obs.KLThresholds[key] = th
			if e.Log != nil {
				e.Log.Debug("kl threshold selected", "node", node, "threshold", th, "max", h.MaxAbs())
			}
		}
	}
	return obs, nil
}

// each feeds up to Iterations batches through g, handing the parsed records
// of every captured run to visit.
func (e *Engine) each(ctx context.Context, g *graph.Graph, outputs []string, visit func([]instrument.Record) error) error {
	for i := 0; i < e.Iterations; i++ {
		feed, err := e.Dataset.Next()
		if errors.Is(err, ErrOutOfData) {
			if e.Log != nil {
				e.Log.Debug("calibration data exhausted", "iterations", i)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("calibrate: batch %d: %w", i, err)
		}

		text, err := instrument.Capture(os.Stderr, func() error {
			return e.Runner.Run(ctx, g, feed, outputs)
		})
		if err != nil {
			return fmt.Errorf("calibrate: batch %d: %w", i, err)
		}
		records, err := instrument.SplitRecords(text)
		if err != nil {
			return fmt.Errorf("calibrate: batch %d: %w", i, err)
		}
		if err := visit(records); err != nil {
			return fmt.Errorf("calibrate: batch %d: %w", i, err)
		}
		metrics.CalibrationBatches.Inc()
	}
	return nil
}

func accumulateRanges(obs *rewrite.Observed, records []instrument.Record) error {
	for _, rec := range records {
		switch rec.Tag {
		case instrument.TagMin:
			v, err := scalarRecord(rec)
			if err != nil {
				return err
			}
			obs.Minima[rec.Node] = append(obs.Minima[rec.Node], v)
		case instrument.TagMax:
			v, err := scalarRecord(rec)
			if err != nil {
				return err
			}
			obs.Maxima[rec.Node] = append(obs.Maxima[rec.Node], v)
		case instrument.TagRequantRange:
			lits := instrument.SplitLiterals(rec.Payload)
			if len(lits) != 2 {
				return fmt.Errorf("range record for %q has %d literals, want 2", rec.Node, len(lits))
			}
			lo, err := scalarLiteral(lits[0])
			if err != nil {
				return err
			}
			hi, err := scalarLiteral(lits[1])
			if err != nil {
				return err
			}
			obs.Ranges[rec.Node] = append(obs.Ranges[rec.Node], [2]float32{lo, hi})
		}
	}
	return nil
}

func accumulateHistograms(hists map[string]*Histogram, records []instrument.Record) error {
	for _, rec := range records {
		if rec.Tag != instrument.TagKL {
			continue
		}
		for _, lit := range instrument.SplitLiterals(rec.Payload) {
			t, err := instrument.ParseTensorLiteral(lit)
			if err != nil {
				return err
			}
			vals, err := floatElems(t)
			if err != nil {
				return fmt.Errorf("kl record for %q: %w", rec.Node, err)
			}
			h := hists[rec.Node]
			if h == nil {
				h = &Histogram{}
				hists[rec.Node] = h
			}
			h.Observe(vals)
		}
	}
	return nil
}

func scalarRecord(rec instrument.Record) (float32, error) {
	lits := instrument.SplitLiterals(rec.Payload)
	if len(lits) == 0 {
		return 0, fmt.Errorf("record for %q has no tensor literal", rec.Node)
	}
	return scalarLiteral(lits[0])
}

func scalarLiteral(lit string) (float32, error) {
	t, err := instrument.ParseTensorLiteral(lit)
	if err != nil {
		return 0, err
	}
	vals, err := floatElems(t)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("literal %q is not a numeric scalar", lit)
	}
	return vals[0], nil
}

func floatElems(t *tensor.Dense) ([]float32, error) {
	switch t.DType {
	case tensor.DTypeF32:
		return t.F32, nil
	case tensor.DTypeI32:
		out := make([]float32, len(t.I32))
		for i, v := range t.I32 {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported record dtype %s", t.DType)
	}
}
