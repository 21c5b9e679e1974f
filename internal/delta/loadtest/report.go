package loadtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// SystemInfo describes the machine a run happened on.
type SystemInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUs      int    `json:"cpus"`
	GoVersion string `json:"go_version"`
	Hostname  string `json:"hostname,omitempty"`
}

// GetSystemInfo captures current system information.
func GetSystemInfo() SystemInfo {
	host, _ := os.Hostname()
	return SystemInfo{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
		Hostname:  host,
	}
}

// Report file names written by WriteReports.
const (
	ReportJSON     = "results.json"
	ReportCSV      = "syncs.csv"
	ReportMarkdown = "REPORT.md"
)

type reportFile struct {
	Generated time.Time  `json:"generated"`
	System    SystemInfo `json:"system"`
	Options   struct {
		Mirrors               int     `json:"mirrors"`
		Rounds                int     `json:"rounds"`
		OpsPerRound           int     `json:"ops_per_round"`
		DeleteRatio           float64 `json:"delete_ratio"`
		UpdateRatio           float64 `json:"update_ratio"`
		BatchSize             int     `json:"batch_size"`
		MaxRetainedTombstones int     `json:"max_retained_tombstones"`
		Seed                  int64   `json:"seed"`
	} `json:"options"`
	Report *Report `json:"report"`
}

// WriteReports writes the JSON summary, a CSV of sync durations and a
// markdown report for r into dir, creating it if needed.
func WriteReports(dir string, r *Report, opts Options) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	info := GetSystemInfo()
	if err := exportJSON(filepath.Join(dir, ReportJSON), r, opts, info); err != nil {
		return fmt.Errorf("failed to export JSON: %w", err)
	}
	if err := exportCSV(filepath.Join(dir, ReportCSV), r.Sync); err != nil {
		return fmt.Errorf("failed to export CSV: %w", err)
	}
	if err := generateMarkdownReport(filepath.Join(dir, ReportMarkdown), r, opts, info); err != nil {
		return fmt.Errorf("failed to generate markdown report: %w", err)
	}
	return nil
}

func exportJSON(path string, r *Report, opts Options, info SystemInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out := reportFile{Generated: time.Now().UTC(), System: info, Report: r}
	out.Options.Mirrors = opts.Mirrors
	out.Options.Rounds = opts.Rounds
	out.Options.OpsPerRound = opts.OpsPerRound
	out.Options.DeleteRatio = opts.DeleteRatio
	out.Options.UpdateRatio = opts.UpdateRatio
	out.Options.BatchSize = opts.BatchSize
	out.Options.MaxRetainedTombstones = opts.MaxRetainedTombstones
	out.Options.Seed = opts.Seed

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

// exportCSV writes one row per sync, fastest first, for external plotting.
func exportCSV(path string, s *LatencyStats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"rank", "duration_ms"}); err != nil {
		return err
	}
	if s != nil {
		for i, d := range s.Durations {
			row := []string{fmt.Sprint(i + 1), fmt.Sprintf("%.3f", float64(d)/1e6)}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func generateMarkdownReport(path string, r *Report, opts Options, info SystemInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# Sync Soak Report\n\n")
	fmt.Fprintf(f, "**Generated:** %s\n\n", time.Now().Format(time.RFC3339))

	fmt.Fprintf(f, "## System Information\n\n")
	fmt.Fprintf(f, "- **OS:** %s\n", info.OS)
	fmt.Fprintf(f, "- **Architecture:** %s\n", info.Arch)
	fmt.Fprintf(f, "- **CPUs:** %d\n", info.CPUs)
	fmt.Fprintf(f, "- **Go Version:** %s\n", info.GoVersion)
	if info.Hostname != "" {
		fmt.Fprintf(f, "- **Hostname:** %s\n", info.Hostname)
	}
	fmt.Fprintf(f, "- **Duration:** %v\n\n", r.Elapsed)

	fmt.Fprintf(f, "## Configuration\n\n")
	fmt.Fprintf(f, "- **Mirrors:** %d\n", opts.Mirrors)
	fmt.Fprintf(f, "- **Rounds:** %d of %d edits\n", opts.Rounds, opts.OpsPerRound)
	fmt.Fprintf(f, "- **Deletes / Updates:** %.0f%% / %.0f%%\n", opts.DeleteRatio*100, opts.UpdateRatio*100)
	fmt.Fprintf(f, "- **Batch Size:** %d\n", opts.BatchSize)
	fmt.Fprintf(f, "- **Retained Tombstones:** %d\n", opts.MaxRetainedTombstones)
	fmt.Fprintf(f, "- **Random Seed:** %d\n\n", opts.Seed)

	fmt.Fprintf(f, "## Sync Latency (milliseconds)\n\n")
	fmt.Fprintf(f, "| Syncs | Errors | Min | P50 | Mean | P95 | P99 | Max |\n")
	fmt.Fprintf(f, "|-------|--------|-----|-----|------|-----|-----|-----|\n")
	if s := r.Sync; s != nil {
		fmt.Fprintf(f, "| %d | %d | %.2f | %.2f | %.2f | %.2f | %.2f | %.2f |\n\n",
			s.TotalSyncs, s.Errors, ms(s.Min), ms(s.P50), ms(s.Mean), ms(s.P95), ms(s.P99), ms(s.Max))
	}

	fmt.Fprintf(f, "## Cluster\n\n")
	fmt.Fprintf(f, "| Edits | Master live | Tombstones | Delete count | Watermark |\n")
	fmt.Fprintf(f, "|-------|-------------|------------|--------------|-----------|\n")
	fmt.Fprintf(f, "| %d | %d | %d | %d | %d |\n\n", r.Ops, r.MasterLive, r.MasterTombstones, r.DeleteCount, r.Watermark)

	fmt.Fprintf(f, "## Events\n\n")
	fmt.Fprintf(f, "| Event | Count |\n")
	fmt.Fprintf(f, "|-------|-------|\n")
	kinds := make([]string, 0, len(r.Events))
	for kind := range r.Events {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(f, "| %s | %d |\n", kind, r.Events[deltasync.EventKind(kind)])
	}
	fmt.Fprintf(f, "\n")

	fmt.Fprintf(f, "## Convergence\n\n")
	if r.Converged {
		fmt.Fprintf(f, "All mirrors converged on the master's state.\n")
	} else {
		fmt.Fprintf(f, "%d mismatches after drain:\n\n", len(r.Mismatches))
		for _, m := range r.Mismatches {
			fmt.Fprintf(f, "- %s\n", m)
		}
	}
	return f.Close()
}

func ms(d time.Duration) float64 {
	return float64(d) / 1e6
}
