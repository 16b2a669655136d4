// Package convert orchestrates a full post-training quantization run: fp32
// graph optimization, quantized rewrite, instrumented calibration, range
// freezing and the final requantize fusions.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lowbit-ml/lowbit/internal/calibrate"
	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/graphio"
	"github.com/lowbit-ml/lowbit/internal/instrument"
	"github.com/lowbit-ml/lowbit/internal/logger"
	"github.com/lowbit-ml/lowbit/internal/metrics"
	"github.com/lowbit-ml/lowbit/internal/rewrite"
	"github.com/lowbit-ml/lowbit/internal/tensor"
	"github.com/lowbit-ml/lowbit/pkg/opconfig"
)

// Stage graph filenames written under the run's scratch directory, and to
// the output directory when debug is on.
const (
	fileFP32Optimized = "fp32_optimized_graph.lbg"
	fileDynamicRange  = "int8_dynamic_range_graph.lbg"
	fileInt8Logged    = "int8_logged_graph.lbg"
	fileFP32Logged    = "fp32_logged_graph.lbg"
	fileFrozenRange   = "int8_frozen_range_graph.lbg"

	// DefaultOutputName is the converted graph's filename when the caller
	// does not pick one.
	DefaultOutputName = "int8_final_fused_graph.lbg"
)

// Options configures one conversion run.
type Options struct {
	// Graph is the float graph to convert. GraphPath is loaded instead when
	// Graph is nil.
	Graph     *graph.Graph
	GraphPath string

	// OutputDir must already exist; OutputName defaults to
	// DefaultOutputName.
	OutputDir  string
	OutputName string

	// Inputs and Outputs name the graph's external boundary. InputTypes
	// parallels Inputs and defaults to f32.
	Inputs     []string
	Outputs    []string
	InputTypes []tensor.DType

	Config  opconfig.Config
	Runner  calibrate.Runner
	Dataset calibrate.Dataset

	// Debug also writes every intermediate stage graph to OutputDir.
	Debug bool
	Log   logger.Logger
}

// GraphConverter runs the conversion pipeline. One converter serves one run.
type GraphConverter struct {
	opts  Options
	runID string
	log   logger.Logger
}

// New validates the run configuration. A missing output directory is a
// configuration error: nothing is created implicitly, since the caller may
// have mistyped a path that a long calibration would only hit at the end.
func New(opts Options) (*GraphConverter, error) {
	if opts.Graph == nil && opts.GraphPath == "" {
		return nil, fmt.Errorf("convert: no input graph given")
	}
	if len(opts.Outputs) == 0 {
		return nil, fmt.Errorf("convert: no output nodes given")
	}
	info, err := os.Stat(opts.OutputDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("convert: output directory %q does not exist", opts.OutputDir)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Runner == nil || opts.Dataset == nil {
		return nil, fmt.Errorf("convert: calibration requires a runner and a dataset")
	}
	if opts.OutputName == "" {
		opts.OutputName = DefaultOutputName
	}
	if len(opts.InputTypes) == 0 {
		opts.InputTypes = make([]tensor.DType, len(opts.Inputs))
		for i := range opts.InputTypes {
			opts.InputTypes[i] = tensor.DTypeF32
		}
	}
	if len(opts.InputTypes) != len(opts.Inputs) {
		return nil, fmt.Errorf("convert: %d input types for %d inputs", len(opts.InputTypes), len(opts.Inputs))
	}

	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	runID := uuid.NewString()
	return &GraphConverter{opts: opts, runID: runID, log: log.With("run", runID)}, nil
}

// RunID is the unique identifier assigned to this conversion.
func (c *GraphConverter) RunID() string { return c.runID }

// Convert runs the full pipeline and writes the converted graph to the
// output directory. Scratch files are removed on every path; with debug on,
// each stage graph is additionally written next to the output.
func (c *GraphConverter) Convert(ctx context.Context) (*graph.Graph, error) {
	scratch, err := os.MkdirTemp("", "lowbit-convert-")
	if err != nil {
		return nil, fmt.Errorf("convert: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	g := c.opts.Graph
	if g == nil {
		g, err = graphio.Load(c.opts.GraphPath)
		if err != nil {
			metrics.Conversions.WithLabelValues("failure").Inc()
			return nil, err
		}
	}

	optimized, err := c.optimizeFP32(g)
	if err != nil {
		metrics.Conversions.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to optimize fp32 graph due to: %w", err)
	}
	c.saveStage(scratch, fileFP32Optimized, optimized)

	final, err := c.quantize(ctx, scratch, optimized)
	if err != nil {
		metrics.Conversions.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to quantize graph due to: %w", err)
	}

	outPath := filepath.Join(c.opts.OutputDir, c.opts.OutputName)
	if err := graphio.Save(final, outPath); err != nil {
		metrics.Conversions.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("convert: write converted graph: %w", err)
	}
	metrics.Conversions.WithLabelValues("success").Inc()
	c.log.Info("conversion finished", "output", outPath, "nodes", len(final.Nodes))
	return final, nil
}

// optimizeFP32 applies the structural float passes in order: unused-node
// stripping, training-node removal, batch-norm folding and column-wise
// multiply fusion.
func (c *GraphConverter) optimizeFP32(g *graph.Graph) (*graph.Graph, error) {
	var err error
	if g, err = c.timed("strip_unused", func() (*graph.Graph, error) {
		return rewrite.StripUnused(g, c.opts.Inputs, c.opts.Outputs, c.opts.InputTypes)
	}); err != nil {
		return nil, err
	}
	if g, err = c.timed("remove_training_nodes", func() (*graph.Graph, error) {
		return rewrite.RemoveTrainingNodes(g, c.opts.Outputs)
	}); err != nil {
		return nil, err
	}
	if g, err = c.timed("fold_batch_norm", func() (*graph.Graph, error) {
		return rewrite.FoldBatchNorm(g, c.log)
	}); err != nil {
		return nil, err
	}
	return c.timed("fuse_column_wise_mul", func() (*graph.Graph, error) {
		return rewrite.FuseColumnWiseMul(g, c.log)
	})
}

// quantize rewrites to the fused 8-bit form, calibrates, freezes ranges and
// applies the final fusions.
func (c *GraphConverter) quantize(ctx context.Context, scratch string, optimized *graph.Graph) (*graph.Graph, error) {
	quantized, err := c.timed("quantize", func() (*graph.Graph, error) {
		return rewrite.Quantize(optimized, c.opts.Config, c.log)
	})
	if err != nil {
		return nil, err
	}
	c.saveStage(scratch, fileDynamicRange, quantized)

	logged, err := instrument.InsertLogging(quantized, c.log, instrument.Options{
		OpMessages: instrument.DefaultOpMessages,
	})
	if err != nil {
		return nil, err
	}
	c.saveStage(scratch, fileInt8Logged, logged)

	fp32Logged, klKeys, klPrints, err := c.klPrintGraph(optimized)
	if err != nil {
		return nil, err
	}
	// The KL taps have no consumers of their own, so they must be requested
	// as outputs or an engine evaluating only the output closure never runs
	// them.
	var klOutputs []string
	if fp32Logged != nil {
		c.saveStage(scratch, fileFP32Logged, fp32Logged)
		klOutputs = append(append([]string(nil), c.opts.Outputs...), klPrints...)
	}

	engine := &calibrate.Engine{
		Runner:     c.opts.Runner,
		Dataset:    c.opts.Dataset,
		Outputs:    c.opts.Outputs,
		Iterations: c.opts.Config.CalibIterations,
		KLKeys:     klKeys,
		KLOutputs:  klOutputs,
		Log:        c.log,
	}
	obs, err := engine.Run(ctx, logged, fp32Logged)
	if err != nil {
		return nil, err
	}

	frozen, err := c.timed("freeze_ranges", func() (*graph.Graph, error) {
		g, err := rewrite.FreezeMinMax(quantized, obs)
		if err != nil {
			return nil, err
		}
		return rewrite.FreezeRequantRange(g, obs)
	})
	if err != nil {
		return nil, err
	}
	c.saveStage(scratch, fileFrozenRange, frozen)

	fused, err := c.timed("fuse_requantize", func() (*graph.Graph, error) {
		return rewrite.FuseQuantizedConvAndRequantize(frozen, c.log)
	})
	if err != nil {
		return nil, err
	}

	// Cleanup passes are idempotent on an already-clean graph.
	cleaned, err := c.timed("final_cleanup", func() (*graph.Graph, error) {
		g, err := rewrite.StripUnused(fused, c.opts.Inputs, c.opts.Outputs, c.opts.InputTypes)
		if err != nil {
			return nil, err
		}
		return rewrite.FoldBatchNorm(g, c.log)
	})
	if err != nil {
		return nil, err
	}

	return c.timed("rerange_quantized_concat", func() (*graph.Graph, error) {
		return rewrite.RerangeQuantizedConcat(cleaned, c.log)
	})
}

// klPrintGraph builds the fp32 graph carrying KL print taps on the float
// outputs of every KL-configured operator, or nil when none are configured.
// It also returns the mapping from tapped node to the requantization-range
// node the resulting threshold freezes, and the injected Print node names,
// which the calibration run must request as extra outputs.
func (c *GraphConverter) klPrintGraph(optimized *graph.Graph) (*graph.Graph, map[string]string, []string, error) {
	klOps := c.opts.Config.KLOpNames()
	if len(klOps) == 0 {
		return nil, nil, nil, nil
	}
	m, err := graph.NodeMap(optimized)
	if err != nil {
		return nil, nil, nil, err
	}
	consumers := graph.Consumers(optimized)

	keys := map[string]string{}
	var taps, prints []string
	for _, op := range klOps {
		conv, ok := m[op]
		if !ok {
			c.log.Warn("kl-configured operator absent from optimized graph", "node", op)
			continue
		}
		// The float distribution is observed at the end of the fuse chain,
		// where the quantized graph requantizes.
		tap := conv.Name
		if chain, ok := rewrite.LongestFuseChain(conv, m, consumers); ok {
			tap = chain.Last().Name
		}
		taps = append(taps, tap)
		prints = append(prints, tap+instrument.PrintSuffix)
		keys[tap] = op + rewrite.SuffixRequantRange
	}
	if len(taps) == 0 {
		return nil, nil, nil, nil
	}

	logged, err := instrument.InsertLogging(optimized, c.log, instrument.Options{
		Nodes:   taps,
		Message: instrument.TagKL,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return logged, keys, prints, nil
}

// timed runs one rewrite pass under its duration metric.
func (c *GraphConverter) timed(pass string, fn func() (*graph.Graph, error)) (*graph.Graph, error) {
	start := time.Now()
	g, err := fn()
	metrics.PassDuration.WithLabelValues(pass).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	c.log.Debug("pass finished", "pass", pass, "nodes", len(g.Nodes), "took", time.Since(start))
	return g, nil
}

// saveStage writes an intermediate graph to the scratch directory, and to
// the output directory when debug is on. Stage writes are best-effort.
func (c *GraphConverter) saveStage(scratch, name string, g *graph.Graph) {
	if err := graphio.Save(g, filepath.Join(scratch, name)); err != nil {
		c.log.Warn("could not write stage graph", "stage", name, "error", err)
	}
	if c.opts.Debug {
		if err := graphio.Save(g, filepath.Join(c.opts.OutputDir, name)); err != nil {
			c.log.Warn("could not write debug stage graph", "stage", name, "error", err)
		}
	}
}
