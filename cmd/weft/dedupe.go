package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/dedupe"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/ui"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Scan the local store for duplicate records",
	Long: `Find duplicate records without running a sync: shared remote
identities, exact title matches, and fuzzy title matches above the
similarity threshold, grouped by kind and project. Without --apply the
groups are only listed.

With --apply each group folds into its canonical record (oldest wins):
labels union, descriptions append with provenance, comments union, and the
duplicates are archived pointing at the canonical. Remote links transfer
to the canonical unless --delete is given, in which case the duplicates
keep their links and the next 'weft sync --delete' removes the remote
copies.`,
	Run: func(cmd *cobra.Command, _ []string) {
		os.Exit(runDedupe(cmd))
	},
}

func init() {
	dedupeCmd.Flags().Float64("threshold", 0, "Fuzzy-title similarity cutoff (default: dedupe.threshold from config)")
	dedupeCmd.Flags().Bool("apply", false, "Collapse the groups instead of just listing them")
	dedupeCmd.Flags().Bool("delete", false, "With --apply: leave remote links on the duplicates for 'weft sync --delete'")
	rootCmd.AddCommand(dedupeCmd)
}

func runDedupe(cmd *cobra.Command) int {
	weftDir, ws := requireWorkspace()
	cfg := loadConfig(weftDir)

	apply, _ := cmd.Flags().GetBool("apply")
	deleteRemote, _ := cmd.Flags().GetBool("delete")
	if deleteRemote && !apply {
		FatalError("--delete requires --apply")
	}
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	if threshold == 0 {
		threshold = cfg.Dedupe.Threshold
	}

	if apply {
		lock := store.NewLock(weftDir)
		ok, err := lock.TryAcquire()
		if err != nil {
			FatalError("%v", err)
		}
		if !ok {
			FatalErrorWithHint("another sync is running", "Wait for it to finish before collapsing duplicates")
		}
		defer func() { _ = lock.Release() }()
	}

	st, err := store.Load(ws.RecordsPath(weftDir))
	if err != nil {
		FatalError("%v", err)
	}

	groups := dedupe.FindGroups(st.Live(), dedupe.Options{Threshold: threshold})
	if len(groups) == 0 {
		if jsonOutput {
			outputJSON([]any{})
		} else if !quietFlag {
			fmt.Println("✓ No duplicates found")
		}
		return 0
	}

	if !apply {
		renderGroups(groups)
		return 0
	}

	var archived, linkConflicts, remoteCopies int
	now := time.Now()
	for _, g := range groups {
		res := dedupe.Collapse(g, dedupe.CollapseOptions{TransferLinks: !deleteRemote}, now)
		archived += len(g.Duplicates)
		remoteCopies += len(res.RemoteCopies)
		linkConflicts += len(res.LinkConflicts)
		for _, lc := range res.LinkConflicts {
			WarnError("%s and %s both have a %s identity (%s vs %s); links left untouched",
				g.Canonical.ID, lc.RecordID, lc.Backend, lc.CanonicalID, lc.DuplicateID)
		}
	}
	if err := st.Save(); err != nil {
		FatalError("%v", err)
	}

	if jsonOutput {
		outputJSON(map[string]int{
			"groups":         len(groups),
			"archived":       archived,
			"remote_copies":  remoteCopies,
			"link_conflicts": linkConflicts,
		})
		return 0
	}
	if !quietFlag {
		fmt.Printf("✓ Collapsed %d groups, archived %d duplicates\n", len(groups), archived)
		if remoteCopies > 0 {
			fmt.Printf("  %s %d remote copies await 'weft sync --delete'\n", ui.RenderWarnIcon(), remoteCopies)
		}
	}
	return 0
}

func renderGroups(groups []dedupe.Group) {
	type jsonGroup struct {
		Canonical  string   `json:"canonical"`
		Duplicates []string `json:"duplicates"`
		Match      string   `json:"match"`
		Similarity float64  `json:"similarity"`
	}
	if jsonOutput {
		out := make([]jsonGroup, 0, len(groups))
		for _, g := range groups {
			jg := jsonGroup{Canonical: g.Canonical.ID, Match: string(g.Match), Similarity: g.Similarity}
			for _, d := range g.Duplicates {
				jg.Duplicates = append(jg.Duplicates, d.ID)
			}
			out = append(out, jg)
		}
		outputJSON(out)
		return
	}

	fmt.Println(ui.RenderHeader(fmt.Sprintf("%d duplicate groups", len(groups))))
	for _, g := range groups {
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("%s %s  %s\n", ui.RenderAccent(g.Canonical.ID),
			ui.Clamp(g.Canonical.Title, 60),
			ui.RenderMuted(fmt.Sprintf("(%s, %.2f)", g.Match, g.Similarity)))
		for _, d := range g.Duplicates {
			fmt.Printf("  %s %s %s\n", ui.RenderMuted("⎿"), d.ID, ui.Clamp(d.Title, 60))
		}
	}
	fmt.Println(ui.RenderMuted("\nRun 'weft dedupe --apply' to collapse these groups."))
}
