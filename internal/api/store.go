// Package api exposes conversion reports over HTTP: each finished (or
// failed) conversion run is recorded and can be listed, fetched and deleted.
package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Range is one frozen quantization range.
type Range struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

// Report describes one conversion run.
type Report struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	// Status is "succeeded" or "failed".
	Status string `json:"status"`
	Run    string `json:"run,omitempty"`
	Graph  string `json:"graph,omitempty"`
	Output string `json:"output,omitempty"`
	// Nodes is the converted graph's node count; QuantizedOps the number of
	// fused 8-bit convolutions it carries.
	Nodes        int              `json:"nodes,omitempty"`
	QuantizedOps int              `json:"quantized_ops,omitempty"`
	Ranges       map[string]Range `json:"ranges,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ReportStore keeps reports in memory. It is safe for concurrent use.
type ReportStore struct {
	mu      sync.Mutex
	reports map[string]*Report
}

func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[string]*Report)}
}

// Create assigns an ID and creation time and stores the report.
func (s *ReportStore) Create(r Report, now time.Time) Report {
	r.ID = "cvt_" + uuid.NewString()
	r.Object = "conversion.report"
	r.CreatedAt = now.Unix()

	s.mu.Lock()
	s.reports[r.ID] = &r
	s.mu.Unlock()
	return r
}

func (s *ReportStore) Get(id string) (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return Report{}, false
	}
	return *r, true
}

// List returns every report, newest first.
func (s *ReportStore) List() []Report {
	s.mu.Lock()
	out := make([]Report, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *ReportStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return false
	}
	delete(s.reports, id)
	return true
}
