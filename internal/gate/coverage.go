package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// CoverageRequest describes one coverage run. Paths are relative to
// WorkspaceRoot.
type CoverageRequest struct {
	WorkspaceRoot string
	TestFile      string
	ManagedFile   string
	// Module is the dotted import path of ManagedFile.
	Module string
}

// CoverageRun is the raw outcome of a coverage run. JSONReport is nil when
// the runner produced no machine-readable report.
type CoverageRun struct {
	Output     string
	JSONReport []byte
}

// CoverageRunner runs the project's test runner. A test failure is not an
// error; Run returns an error only when the runner could not be executed.
type CoverageRunner interface {
	Run(ctx context.Context, req CoverageRequest) (CoverageRun, error)
}

// CoverageGate decides whether a managed file is fully covered by its test
// file.
type CoverageGate struct {
	root   string
	fsmgr  FilesystemManager
	runner CoverageRunner
	logger Logger
}

// NewCoverageGate creates a CoverageGate for the workspace at root.
func NewCoverageGate(root string, fsmgr FilesystemManager, runner CoverageRunner, logger Logger) *CoverageGate {
	return &CoverageGate{root: root, fsmgr: fsmgr, runner: runner, logger: logger}
}

// TestFileCandidates returns the test file locations tried for managedFile,
// in order, relative to the workspace root.
func TestFileCandidates(managedFile string) []string {
	base := filepath.Base(managedFile)
	ext := filepath.Ext(base)
	name := "test_" + strings.TrimSuffix(base, ext) + ext
	return []string{
		filepath.Join("tests", name),
		filepath.Join("test", name),
		name,
	}
}

// Validate runs the agent's tests and reduces the result. Only exactly
// 100% coverage passes.
func (g *CoverageGate) Validate(ctx context.Context, agent Agent) (CoverageResult, error) {
	if !g.fsmgr.IsFile(agent.ManagedFile) {
		return CoverageResult{}, newError(KindManagedFileMissing, "managed file %s does not exist", agent.ManagedFile)
	}
	rel, err := filepath.Rel(g.root, agent.ManagedFile)
	if err != nil {
		return CoverageResult{}, fmt.Errorf("relativizing managed file: %w", err)
	}

	testFile := ""
	candidates := TestFileCandidates(rel)
	for _, c := range candidates {
		if g.fsmgr.IsFile(filepath.Join(g.root, c)) {
			testFile = c
			break
		}
	}
	if testFile == "" {
		return CoverageResult{}, newError(KindTestFileMissing, "no test file for %s (tried %s)", rel, strings.Join(candidates, ", "))
	}

	req := CoverageRequest{
		WorkspaceRoot: g.root,
		TestFile:      testFile,
		ManagedFile:   rel,
		Module:        moduleName(rel),
	}
	g.logger.Debug("running coverage", "agent", agent.ID, "test_file", testFile, "module", req.Module)

	run, err := g.runner.Run(ctx, req)
	if err != nil {
		g.logger.Error("coverage runner failed", "agent", agent.ID, "error", err)
		return CoverageResult{}, fmt.Errorf("running coverage for %s: %w", rel, err)
	}

	percent, missing, ok := parseJSONReport(run.JSONReport)
	if !ok {
		percent, missing = parseTextReport(run.Output)
	}

	result := CoverageResult{
		OK:      percent == 100.0,
		Percent: percent,
		Report:  buildReport(run.Output, percent, missing),
	}
	g.logger.Info("coverage measured", "agent", agent.ID, "percent", percent, "ok", result.OK)
	return result, nil
}

func moduleName(rel string) string {
	noExt := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	return strings.ReplaceAll(noExt, "/", ".")
}

type jsonCoverageReport struct {
	Totals *struct {
		PercentCovered *float64 `json:"percent_covered"`
	} `json:"totals"`
	Files map[string]struct {
		MissingLines []int `json:"missing_lines"`
	} `json:"files"`
}

// parseJSONReport reads a coverage.py JSON report.
func parseJSONReport(data []byte) (float64, map[string][]string, bool) {
	if len(data) == 0 {
		return 0, nil, false
	}
	var r jsonCoverageReport
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, nil, false
	}
	if r.Totals == nil || r.Totals.PercentCovered == nil {
		return 0, nil, false
	}

	missing := make(map[string][]string)
	for file, f := range r.Files {
		if len(f.MissingLines) == 0 {
			continue
		}
		lines := make([]string, len(f.MissingLines))
		for i, n := range f.MissingLines {
			lines[i] = strconv.Itoa(n)
		}
		missing[file] = lines
	}
	return *r.Totals.PercentCovered, missing, true
}

var (
	percentToken = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	missingRange = regexp.MustCompile(`^\d+(-\d+)?,?$`)
)

// parseTextReport reads a term-missing summary table. The TOTAL line
// supplies the percentage; per-file rows supply uncovered line ranges.
// Unparseable output counts as 0%.
func parseTextReport(output string) (float64, map[string][]string) {
	percent := 0.0
	missing := make(map[string][]string)

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		pctIdx := slices.IndexFunc(fields, func(f string) bool { return percentToken.MatchString(f) && strings.HasSuffix(f, "%") })
		if pctIdx < 0 {
			continue
		}

		if fields[0] == "TOTAL" {
			m := percentToken.FindStringSubmatch(fields[pctIdx])
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				percent = v
			}
			continue
		}

		var ranges []string
		for _, f := range fields[pctIdx+1:] {
			if !missingRange.MatchString(f) {
				break
			}
			ranges = append(ranges, strings.TrimSuffix(f, ","))
		}
		if len(ranges) > 0 {
			missing[fields[0]] = ranges
		}
	}
	return percent, missing
}

func buildReport(output string, percent float64, missing map[string][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Coverage: %.2f%%\n", percent)

	if percent < 100.0 && len(missing) > 0 {
		b.WriteString("Uncovered lines:\n")
		files := make([]string, 0, len(missing))
		for f := range missing {
			files = append(files, f)
		}
		slices.Sort(files)
		for _, f := range files {
			fmt.Fprintf(&b, "  %s: %s\n", f, strings.Join(missing[f], ", "))
		}
	}

	if output != "" {
		b.WriteString("\n")
		b.WriteString(output)
	}
	return b.String()
}
