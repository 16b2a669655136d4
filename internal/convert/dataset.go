package convert

import (
	"bufio"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/lowbit-ml/lowbit/internal/calibrate"
	"github.com/lowbit-ml/lowbit/internal/tensor"
)

// FileDataset serves calibration batches from a JSON-lines file, one batch
// per line, mapping graph input names to tensors:
//
//	{"input": {"shape": [1, 2, 2, 1], "values": [0.1, 0.2, 0.3, 0.4]}}
//
// The whole file is decoded up front so Reset replays identical batches.
type FileDataset struct {
	batches []calibrate.Feed
	pos     int
}

type jsonBatchTensor struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"values"`
}

// OpenFileDataset reads and validates every batch in the file.
func OpenFileDataset(path string) (*FileDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("convert: open calibration data: %w", err)
	}
	defer f.Close()

	ds := &FileDataset{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<26)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var batch map[string]jsonBatchTensor
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("convert: calibration data line %d: %w", line, err)
		}
		feed := calibrate.Feed{}
		for name, jt := range batch {
			t, err := tensor.NewF32(jt.Shape, jt.Values)
			if err != nil {
				return nil, fmt.Errorf("convert: calibration data line %d, input %q: %w", line, name, err)
			}
			feed[name] = t
		}
		ds.batches = append(ds.batches, feed)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("convert: read calibration data: %w", err)
	}
	if len(ds.batches) == 0 {
		return nil, fmt.Errorf("convert: calibration data %s holds no batches", path)
	}
	return ds, nil
}

// Batches reports how many batches the dataset holds.
func (d *FileDataset) Batches() int { return len(d.batches) }

func (d *FileDataset) Next() (calibrate.Feed, error) {
	if d.pos >= len(d.batches) {
		return nil, calibrate.ErrOutOfData
	}
	b := d.batches[d.pos]
	d.pos++
	return b, nil
}

func (d *FileDataset) Reset() error {
	d.pos = 0
	return nil
}
