package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/types"
	"github.com/weftlabs/weft/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Review and settle flagged sync conflicts",
	Long: `Walk through the conflicts a sync run flagged for review and settle
them. Each conflict shows the base, local, and remote values; pick a side,
keep both (text fields), or skip. Settled values are written to the local
store and pushed on the next sync.

With --strategy the whole queue is settled without prompting:
  ours    keep every local value
  theirs  take every remote value
  newest  pick the side with the later updated_at`,
	Run: func(cmd *cobra.Command, _ []string) {
		os.Exit(runResolve(cmd))
	},
}

func init() {
	resolveCmd.Flags().String("strategy", "", "Non-interactive resolution: ours, theirs, or newest")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command) int {
	weftDir, ws := requireWorkspace()
	conflictsPath := config.ConflictsPath(weftDir)

	state, err := resolve.LoadState(conflictsPath)
	if err != nil {
		FatalError("%v", err)
	}
	if len(state.Conflicts) == 0 {
		if jsonOutput {
			outputJSON(map[string]int{"resolved": 0, "skipped": 0, "remaining": 0})
		} else if !quietFlag {
			fmt.Println("✓ No pending conflicts")
		}
		return 0
	}

	strategy, _ := cmd.Flags().GetString("strategy")
	switch strategy {
	case "", "ours", "theirs", "newest":
	default:
		FatalError("invalid --strategy %q (want ours, theirs, or newest)", strategy)
	}
	if strategy == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		FatalErrorWithHint("stdin is not a terminal",
			"Use --strategy ours|theirs|newest to resolve non-interactively")
	}

	lock := store.NewLock(weftDir)
	ok, err := lock.TryAcquire()
	if err != nil {
		FatalError("%v", err)
	}
	if !ok {
		FatalErrorWithHint("another sync is running", "Wait for it to finish before resolving")
	}
	defer func() { _ = lock.Release() }()

	st, err := store.Load(ws.RecordsPath(weftDir))
	if err != nil {
		FatalError("%v", err)
	}

	var resolved, skipped int
	now := time.Now().UTC()
	pending := append([]resolve.Conflict(nil), state.Conflicts...)

	for _, c := range pending {
		rec := st.Get(c.RecordID)
		if rec == nil || rec.Archived {
			// The record went away since the conflict was flagged.
			WarnError("dropping conflict for %s: record is gone", c.RecordID)
			state.Remove(c.Key())
			continue
		}

		choice := chooseByStrategy(c, strategy)
		if choice == "" {
			choice = promptChoice(c)
		}
		if choice == "abort" {
			break
		}
		if choice == "skip" {
			skipped++
			continue
		}

		value := c.Local
		switch choice {
		case "remote":
			value = c.Remote
		case "merge":
			value = resolve.AppendText(c.Local, c.Remote,
				fmt.Sprintf("merged from remote (%s)", c.Backend))
		}

		if err := applyChoice(rec, c.Field, value); err != nil {
			WarnError("%s.%s: %v", c.RecordID, c.Field, err)
			skipped++
			continue
		}
		rec.UpdatedAt = now
		rec.ContentHash = rec.ComputeContentHash()
		st.Put(rec)
		state.Remove(c.Key())
		resolved++
	}

	if resolved > 0 {
		if err := st.Save(); err != nil {
			FatalError("%v", err)
		}
	}
	if err := state.Save(conflictsPath); err != nil {
		FatalError("%v", err)
	}

	remaining := len(state.Conflicts)
	if jsonOutput {
		outputJSON(map[string]int{"resolved": resolved, "skipped": skipped, "remaining": remaining})
	} else if !quietFlag {
		fmt.Printf("✓ %d resolved, %d skipped, %d remaining\n", resolved, skipped, remaining)
		if resolved > 0 {
			fmt.Println(ui.RenderMuted("  Run 'weft sync' to push the settled values."))
		}
	}
	if remaining > 0 {
		return 1
	}
	return 0
}

// chooseByStrategy maps a batch strategy onto a choice, or returns ""
// when the conflict needs a prompt.
func chooseByStrategy(c resolve.Conflict, strategy string) string {
	switch strategy {
	case "ours":
		return "local"
	case "theirs":
		return "remote"
	case "newest":
		if c.RemoteUpdatedAt.After(c.LocalUpdatedAt) {
			return "remote"
		}
		return "local"
	}
	return ""
}

// promptChoice renders one conflict and asks the user to settle it.
func promptChoice(c resolve.Conflict) string {
	fmt.Println(ui.RenderSeparator())
	fmt.Printf("%s  %s\n", ui.RenderHeader(c.RecordID), ui.RenderMuted(c.Backend+" · "+c.Field))
	if c.Base != "" {
		fmt.Printf("  %s %s\n", ui.RenderMuted("base:  "), ui.Clamp(c.Base, 72))
	}
	fmt.Printf("  %s %s\n", ui.RenderAccent("local: "), ui.Clamp(c.Local, 72))
	fmt.Printf("  %s %s\n", ui.RenderWarn("remote:"), ui.Clamp(c.Remote, 72))

	options := []huh.Option[string]{
		huh.NewOption("Keep local", "local"),
		huh.NewOption("Take remote", "remote"),
	}
	if c.Field == types.FieldTitle || c.Field == types.FieldDescription {
		options = append(options, huh.NewOption("Keep both (append remote below local)", "merge"))
	}
	options = append(options, huh.NewOption("Skip for now", "skip"))

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Resolve %s.%s", c.RecordID, c.Field)).
			Options(options...).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "Resolution cancelled; progress so far is kept.")
			return "abort"
		}
		FatalError("form error: %v", err)
	}
	return choice
}

// applyChoice writes a settled value onto the record field it resolves.
func applyChoice(rec *types.Record, field, value string) error {
	switch field {
	case types.FieldTitle:
		rec.Title = value
	case types.FieldDescription:
		rec.Description = value
	case types.FieldStatus:
		rec.Status = types.Status(value)
	case types.FieldAssignee:
		rec.Assignee = value
	case types.FieldMilestone:
		rec.Milestone = value
	case types.FieldLabels:
		rec.Labels = splitList(value)
	default:
		return fmt.Errorf("field %s cannot be resolved from its text form", field)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
