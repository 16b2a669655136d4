package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/lowbit-ml/lowbit/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// newLog builds the command logger from the logging flags. Log output goes
// to stdout: stderr belongs to the instrumentation capture channel during
// calibration and must stay free of interleaved log lines.
func newLog() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stdout, level)
	case "text":
		return logger.Text(os.Stdout, level)
	default:
		return logger.Pretty(os.Stdout, level)
	}
}
