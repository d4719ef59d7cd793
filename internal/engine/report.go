package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// ReportError is one recorded failure. Record is empty for stage-level
// failures.
type ReportError struct {
	Record  string `json:"record,omitempty"`
	Backend string `json:"backend,omitempty"`
	Stage   string `json:"stage"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// ConflictSummary is one flagged conflict as the report shows it. The
// authoritative copy lives in the conflict state file.
type ConflictSummary struct {
	Record  string `json:"record"`
	Backend string `json:"backend"`
	Field   string `json:"field"`
	Local   string `json:"local"`
	Remote  string `json:"remote"`
}

// DuplicateSummary is one collapsed duplicate group.
type DuplicateSummary struct {
	Canonical  string   `json:"canonical"`
	Duplicates []string `json:"duplicates"`
	Match      string   `json:"match"`
	Similarity float64  `json:"similarity,omitempty"`
}

// BackendReport carries per-backend subtotals.
type BackendReport struct {
	Fetched int `json:"fetched"`
	Pushed  int `json:"pushed"`
	Pulled  int `json:"pulled"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// StageTiming records how long one stage ran.
type StageTiming struct {
	Stage  string `json:"stage"`
	Millis int64  `json:"millis"`
}

// PlanEntry is one planned action as rendered in dry runs.
type PlanEntry struct {
	Action  string `json:"action"`
	Record  string `json:"record"`
	Backend string `json:"backend,omitempty"`
	Reason  string `json:"reason"`
}

// Report is the structured outcome of one sync run.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run,omitempty"`
	Aborted    bool      `json:"aborted,omitempty"`

	UpToDate              int `json:"up_to_date"`
	Pushed                int `json:"pushed"`
	Pulled                int `json:"pulled"`
	ConflictsFlagged      int `json:"conflicts_flagged"`
	ConflictsAutoResolved int `json:"conflicts_auto_resolved"`
	DuplicatesResolved    int `json:"duplicates_resolved"`
	Skipped               int `json:"skipped"`

	Stages     []StageTiming             `json:"stages,omitempty"`
	Backends   map[string]*BackendReport `json:"backends,omitempty"`
	Errors     []ReportError             `json:"errors,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
	Conflicts  []ConflictSummary         `json:"conflicts,omitempty"`
	Duplicates []DuplicateSummary        `json:"duplicates,omitempty"`
	Plan       []PlanEntry               `json:"plan,omitempty"`

	mu sync.Mutex
}

func newReport(start time.Time) *Report {
	return &Report{
		StartedAt: start.UTC(),
		Backends:  make(map[string]*BackendReport),
	}
}

func (r *Report) backend(name string) *BackendReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	br := r.Backends[name]
	if br == nil {
		br = &BackendReport{}
		r.Backends[name] = br
	}
	return br
}

// addError records a failure; safe for concurrent use from executor
// workers.
func (r *Report) addError(e ReportError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, e)
	if e.Backend != "" {
		br := r.Backends[e.Backend]
		if br == nil {
			br = &BackendReport{}
			r.Backends[e.Backend] = br
		}
		br.Errors++
	}
}

func (r *Report) addWarning(w string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, w)
}

func (r *Report) recordStage(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, StageTiming{Stage: stage, Millis: d.Milliseconds()})
}

// ExitCode maps the outcome onto the process exit status: 0 clean,
// 1 conflicts flagged, 2 errors, 3 aborted. Errors outrank conflicts;
// an aborted run outranks both.
func (r *Report) ExitCode() int {
	switch {
	case r.Aborted:
		return 3
	case len(r.Errors) > 0:
		return 2
	case r.ConflictsFlagged > 0:
		return 1
	}
	return 0
}

// WriteJSON dumps the report for scripting.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Render writes the human-readable report.
func (r *Report) Render(w io.Writer, verbose bool) {
	elapsed := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)

	if r.DryRun {
		fmt.Fprintf(w, "→ [DRY RUN] Sync plan (%s)\n", elapsed)
		r.renderPlan(w)
	} else if r.Aborted {
		fmt.Fprintf(w, "✗ Sync aborted after %s\n", elapsed)
	} else {
		fmt.Fprintf(w, "✓ Sync complete (%s)\n", elapsed)
	}

	fmt.Fprintf(w, "  %d pushed, %d pulled, %d up to date\n", r.Pushed, r.Pulled, r.UpToDate)
	if r.ConflictsAutoResolved > 0 {
		fmt.Fprintf(w, "  ✓ %d conflicts auto-resolved\n", r.ConflictsAutoResolved)
	}
	if r.DuplicatesResolved > 0 {
		fmt.Fprintf(w, "  → %d duplicates collapsed\n", r.DuplicatesResolved)
	}
	if r.Skipped > 0 {
		fmt.Fprintf(w, "  → %d skipped\n", r.Skipped)
	}

	if r.ConflictsFlagged > 0 {
		fmt.Fprintf(w, "  ⚠ %d conflicts flagged (run 'weft resolve')\n", r.ConflictsFlagged)
		if verbose {
			for _, c := range r.Conflicts {
				fmt.Fprintf(w, "      %s %s.%s: local %q, remote %q\n", c.Record, c.Backend, c.Field, c.Local, c.Remote)
			}
		}
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  ⚠ %s\n", warning)
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "  ✗ %d errors:\n", len(r.Errors))
		for _, e := range r.Errors {
			subject := e.Record
			if subject == "" {
				subject = e.Stage
			}
			if e.Backend != "" {
				subject += " " + e.Backend
			}
			fmt.Fprintf(w, "      %s: %s\n", subject, e.Message)
		}
	}

	if verbose && len(r.Stages) > 0 {
		fmt.Fprintln(w, "  stages:")
		for _, s := range r.Stages {
			fmt.Fprintf(w, "      %-20s %dms\n", s.Stage, s.Millis)
		}
	}
}

func (r *Report) renderPlan(w io.Writer) {
	if len(r.Plan) == 0 {
		fmt.Fprintln(w, "  nothing to do")
		return
	}
	for _, e := range r.Plan {
		target := e.Record
		if e.Backend != "" {
			target = fmt.Sprintf("%s → %s", e.Record, e.Backend)
		}
		fmt.Fprintf(w, "  %-14s %-24s %s\n", e.Action, target, e.Reason)
	}
}
