package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"deploygate/internal/gate"
)

// FakeCoverageRunner returns a canned coverage run and records requests.
type FakeCoverageRunner struct {
	mu       sync.Mutex
	Result   gate.CoverageRun
	Err      error
	requests []gate.CoverageRequest
}

// NewFakeCoverageRunner returns a runner whose JSON report states percent.
func NewFakeCoverageRunner(percent float64) *FakeCoverageRunner {
	r := &FakeCoverageRunner{}
	r.SetPercent(percent)
	return r
}

// SetPercent replaces the canned result.
func (r *FakeCoverageRunner) SetPercent(percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Result = gate.CoverageRun{
		Output:     fmt.Sprintf("TOTAL 100 0 %v%%\n", percent),
		JSONReport: CoverageJSON(percent, nil),
	}
}

func (r *FakeCoverageRunner) Run(ctx context.Context, req gate.CoverageRequest) (gate.CoverageRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.Err != nil {
		return gate.CoverageRun{}, r.Err
	}
	return r.Result, nil
}

// Requests returns the requests received so far.
func (r *FakeCoverageRunner) Requests() []gate.CoverageRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gate.CoverageRequest(nil), r.requests...)
}

type coverageFile struct {
	MissingLines []int `json:"missing_lines"`
}

// CoverageJSON builds a coverage.py style JSON report.
func CoverageJSON(percent float64, missing map[string][]int) []byte {
	files := make(map[string]coverageFile, len(missing))
	for f, lines := range missing {
		files[f] = coverageFile{MissingLines: lines}
	}
	data, err := json.Marshal(map[string]any{
		"totals": map[string]float64{"percent_covered": percent},
		"files":  files,
	})
	if err != nil {
		panic(err)
	}
	return data
}

// Compile-time check that FakeCoverageRunner implements gate.CoverageRunner interface
var _ gate.CoverageRunner = (*FakeCoverageRunner)(nil)
