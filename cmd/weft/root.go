package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/ui"
)

var (
	jsonOutput  bool
	verboseFlag bool // Enable verbose/debug output
	quietFlag   bool // Suppress non-essential output
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - batch sync for file-backed record stores",
	Long: `Weft keeps a local records.jsonl store and its remote mirrors woven
together. One sync run fetches remote state, three-way merges every record
against its last-synced baseline, settles conflicts by per-field strategy,
collapses duplicates, and executes the resulting plan with bounded
concurrency and retry.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Handle --version flag on root command
		if v, _ := cmd.Flags().GetBool("version"); v {
			printVersion()
			return
		}
		// No subcommand - show help
		_ = cmd.Help() // Help() always returns nil for cobra commands
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		ui.ConfigureColor(term.IsTerminal(int(os.Stdout.Fd())))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	// Add --version flag to root command (same behavior as version subcommand)
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// requireWorkspace locates the enclosing workspace or exits with a hint.
func requireWorkspace() (string, *config.Workspace) {
	weftDir := config.FindWorkspaceDir()
	if weftDir == "" {
		FatalErrorWithHint("not inside a weft workspace", "Run 'weft init' to create one")
	}
	ws, err := config.LoadWorkspace(weftDir)
	if err != nil {
		FatalError("%v", err)
	}
	if ws == nil {
		FatalErrorWithHint("workspace metadata missing from "+weftDir,
			"Run 'weft init' to recreate workspace.json")
	}
	return weftDir, ws
}

func loadConfig(weftDir string) *config.Config {
	cfg, err := config.Load(weftDir)
	if err != nil {
		FatalError("%v", err)
	}
	return cfg
}

// outputJSON outputs data as pretty-printed JSON
func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
