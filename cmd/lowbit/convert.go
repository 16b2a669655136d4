package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/lowbit-ml/lowbit/internal/convert"
	"github.com/lowbit-ml/lowbit/pkg/opconfig"
)

func convertCmd() *cli.Command {
	var (
		graphPath   string
		outputDir   string
		outputName  string
		inputsCSV   []string
		outputsCSV  []string
		opcfgPath   string
		calibData   string
		calibIters  int64
		runnerBin   string
		runnerArgs  []string
		debugStages bool
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a float graph to its calibrated 8-bit form",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "graph",
				Aliases:     []string{"g"},
				Usage:       "path to the input .lbg or .json graph",
				Destination: &graphPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "existing directory the converted graph is written to",
				Destination: &outputDir,
			},
			&cli.StringFlag{
				Name:        "output-name",
				Usage:       "converted graph filename",
				Value:       convert.DefaultOutputName,
				Destination: &outputName,
			},
			&cli.StringSliceFlag{
				Name:        "inputs",
				Usage:       "graph input node names",
				Destination: &inputsCSV,
			},
			&cli.StringSliceFlag{
				Name:        "outputs",
				Usage:       "graph output node names",
				Destination: &outputsCSV,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "opconfig",
				Usage:       "per-operator quantization config (yaml or json)",
				Destination: &opcfgPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "calib-data",
				Usage:       "JSON-lines calibration batches",
				Destination: &calibData,
				Required:    true,
			},
			&cli.Int64Flag{
				Name:        "calib-iterations",
				Usage:       "override the config's calibration iteration bound",
				Destination: &calibIters,
			},
			&cli.StringFlag{
				Name:        "runner",
				Usage:       "inference engine binary used for calibration",
				Destination: &runnerBin,
			},
			&cli.StringSliceFlag{
				Name:        "runner-arg",
				Usage:       "extra argument passed to the inference engine (repeatable)",
				Destination: &runnerArgs,
			},
			&cli.BoolFlag{
				Name:        "debug-stages",
				Usage:       "also write every intermediate stage graph to the output directory",
				Destination: &debugStages,
			},
		}, loggingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConvertConfig(cmd, LoadConfig(), &runnerBin, &outputDir)
			if runnerBin == "" {
				return fmt.Errorf("no inference engine binary: set --runner or the config file's runner")
			}
			if outputDir == "" {
				return fmt.Errorf("no output directory: set --output or the config file's output_dir")
			}
			log := newLog()

			cfg, err := opconfig.Load(opcfgPath)
			if err != nil {
				return err
			}
			if calibIters > 0 {
				cfg.CalibIterations = int(calibIters)
			}

			dataset, err := convert.OpenFileDataset(calibData)
			if err != nil {
				return err
			}

			conv, err := convert.New(convert.Options{
				GraphPath:  graphPath,
				OutputDir:  outputDir,
				OutputName: outputName,
				Inputs:     inputsCSV,
				Outputs:    outputsCSV,
				Config:     cfg,
				Runner:     &convert.ExecRunner{Bin: runnerBin, Args: runnerArgs, Log: log},
				Dataset:    dataset,
				Debug:      debugStages,
				Log:        log,
			})
			if err != nil {
				return err
			}

			log.Info("starting conversion",
				"graph", graphPath,
				"ops", len(cfg.Ops),
				"batches", dataset.Batches(),
				"run", conv.RunID())
			g, err := conv.Convert(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("converted graph: %d nodes\n", len(g.Nodes))
			return nil
		},
	}
}
