package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a weft workspace in the current directory",
	Long: `Initialize a weft workspace by creating a .weft/ directory with
workspace metadata and an empty records.jsonl store.

Record IDs are allocated as <prefix>-1, <prefix>-2, and so on. The prefix
defaults to the directory name.`,
	Run: func(cmd *cobra.Command, _ []string) {
		prefix, _ := cmd.Flags().GetString("prefix")

		cwd, err := os.Getwd()
		if err != nil {
			FatalError("%v", err)
		}
		if prefix == "" {
			prefix = strings.ToLower(filepath.Base(cwd))
		}
		prefix = strings.TrimRight(prefix, "-")
		if prefix == "" {
			FatalErrorWithHint("cannot derive a record prefix from the directory name",
				"Pass one explicitly with --prefix")
		}

		ws, err := config.CreateWorkspace(cwd, prefix)
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]string{
				"workspace_id": ws.WorkspaceID,
				"prefix":       ws.Prefix,
				"records_file": ws.RecordsFile,
			})
			return
		}
		fmt.Printf("✓ Initialized weft workspace in %s\n", filepath.Join(cwd, config.WorkspaceDirName))
		fmt.Printf("  Record prefix: %s (%s-1, %s-2, ...)\n", ws.Prefix, ws.Prefix, ws.Prefix)
		fmt.Printf("  Record store:  %s\n", ws.RecordsFile)
		fmt.Println("\nNext: configure a backend in .weft/config.yaml, then run 'weft sync'.")
	},
}

func init() {
	initCmd.Flags().String("prefix", "", "Record ID prefix (default: directory name)")
	rootCmd.AddCommand(initCmd)
}
