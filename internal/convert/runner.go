package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/lowbit-ml/lowbit/internal/calibrate"
	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/graphio"
	"github.com/lowbit-ml/lowbit/internal/logger"
)

// ExecRunner executes an external inference engine once per batch. The child
// inherits this process's stderr, so when a conversion runs the engine under
// the capture channel, the engine's Print output lands in the redirected
// pipe without the engine knowing anything about capture.
type ExecRunner struct {
	// Bin is the engine binary. Args are prepended before the per-run flags.
	Bin  string
	Args []string
	Log  logger.Logger
}

// Run materializes the graph and feed in a scratch directory and invokes
//
//	<bin> <args…> --graph <g.lbg> --feed <feed.json> --outputs a,b
//
// The scratch directory is removed when the engine exits.
func (r *ExecRunner) Run(ctx context.Context, g *graph.Graph, feed calibrate.Feed, outputs []string) error {
	dir, err := os.MkdirTemp("", "lowbit-run-")
	if err != nil {
		return fmt.Errorf("convert: runner scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	graphPath := filepath.Join(dir, "graph.lbg")
	if err := graphio.Save(g, graphPath); err != nil {
		return fmt.Errorf("convert: write runner graph: %w", err)
	}
	feedPath := filepath.Join(dir, "feed.json")
	if err := writeFeed(feedPath, feed); err != nil {
		return err
	}

	args := append(append([]string{}, r.Args...),
		"--graph", graphPath,
		"--feed", feedPath,
		"--outputs", strings.Join(outputs, ","),
	)
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Stdout = io.Discard
	// The child writes straight to this process's stderr descriptor, which
	// the capture channel may have redirected into its pipe.
	cmd.Stderr = os.Stderr
	if r.Log != nil {
		r.Log.Debug("running inference engine", "bin", r.Bin, "outputs", strings.Join(outputs, ","))
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("convert: inference engine: %w", err)
	}
	return nil
}

func writeFeed(path string, feed calibrate.Feed) error {
	out := map[string]jsonBatchTensor{}
	for name, t := range feed {
		out[name] = jsonBatchTensor{Shape: t.Shape, Values: t.F32}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("convert: encode feed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("convert: write feed: %w", err)
	}
	return nil
}
