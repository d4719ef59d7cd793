package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/backend/github"
	"github.com/weftlabs/weft/internal/backend/peer"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/ui"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List registered sync backends and their configuration status",
	Run: func(cmd *cobra.Command, _ []string) {
		var cfg *config.Config
		if weftDir := config.FindWorkspaceDir(); weftDir != "" {
			cfg = loadConfig(weftDir)
		}

		type entry struct {
			Name       string `json:"name"`
			Configured bool   `json:"configured"`
			Target     string `json:"target,omitempty"`
		}
		var entries []entry
		for _, name := range backend.List() {
			e := entry{Name: name}
			if cfg != nil {
				e.Configured = backendConfigured(cfg, name)
				e.Target = backendTarget(cfg, name)
			}
			entries = append(entries, e)
		}

		if jsonOutput {
			outputJSON(entries)
			return
		}
		fmt.Println(ui.RenderHeader("Backends"))
		for _, e := range entries {
			switch {
			case e.Configured:
				fmt.Printf("  %s %-8s %s\n", ui.RenderPassIcon(), e.Name, e.Target)
			default:
				fmt.Printf("  %s %-8s %s\n", ui.RenderSkipIcon(), e.Name, ui.RenderMuted("not configured"))
			}
		}
		if cfg == nil {
			fmt.Println(ui.RenderMuted("  (no workspace found; run inside one for configuration status)"))
		}
	},
}

// configuredBackends returns the registered backends the current config
// can construct.
func configuredBackends(cfg *config.Config) []string {
	var out []string
	for _, name := range backend.List() {
		if backendConfigured(cfg, name) {
			out = append(out, name)
		}
	}
	return out
}

func backendConfigured(cfg *config.Config, name string) bool {
	switch name {
	case github.Name:
		return cfg.GitHub.Owner != "" && cfg.GitHub.Repo != ""
	case peer.Name:
		return cfg.Peer.Path != "" || cfg.Peer.URL != ""
	}
	return false
}

func backendTarget(cfg *config.Config, name string) string {
	switch name {
	case github.Name:
		if cfg.GitHub.Owner == "" {
			return ""
		}
		return cfg.GitHub.Owner + "/" + cfg.GitHub.Repo
	case peer.Name:
		if cfg.Peer.URL != "" {
			return cfg.Peer.URL
		}
		return cfg.Peer.Path
	}
	return ""
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}
