// Package opconfig holds the per-operator quantization configuration
// supplied to a conversion. Quantization is opt-in: only nodes named here
// are rewritten; everything else stays floating point.
package opconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Calibration algorithm choices.
const (
	AlgoMinMax = "min-max"
	AlgoKL     = "kl"
)

// OpConfig selects how one operator is quantized and calibrated.
type OpConfig struct {
	// Algorithm is min-max or kl.
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	// Mode is the quantization mode passed through to the QuantizeV2 op,
	// eg MIN_FIRST or SCALED.
	Mode string `json:"mode" yaml:"mode"`
}

// Config is the immutable input to a conversion run: the op-wise table plus
// the calibration iteration bound.
type Config struct {
	CalibIterations int                 `json:"calib_iterations" yaml:"calib_iterations"`
	Ops             map[string]OpConfig `json:"ops" yaml:"ops"`
}

// KLOpNames lists the operators configured for KL-divergence calibration.
func (c Config) KLOpNames() []string {
	var names []string
	for name, oc := range c.Ops {
		if oc.Algorithm == AlgoKL {
			names = append(names, name)
		}
	}
	return names
}

// Validate rejects unknown algorithms and a non-positive iteration bound.
func (c Config) Validate() error {
	if c.CalibIterations <= 0 {
		return fmt.Errorf("opconfig: calib_iterations must be positive, got %d", c.CalibIterations)
	}
	for name, oc := range c.Ops {
		switch oc.Algorithm {
		case AlgoMinMax, AlgoKL:
		default:
			return fmt.Errorf("opconfig: op %q has unknown algorithm %q", name, oc.Algorithm)
		}
	}
	return nil
}

// Load reads a config file, selecting YAML or JSON by extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("opconfig: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
