package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/convomirror/convomirror/internal/api"
	"github.com/convomirror/convomirror/internal/config"
	"github.com/convomirror/convomirror/internal/lockfile"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive first-run setup",
	Long: `Asks for the mirror root, the API base URL and an API token, validates
the token against the service, and writes config.yaml under the root.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rootDir := config.Root()
		apiBase := config.GetString("api-base")
		token := ""

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Mirror root").
					Description("Conversations are mirrored under this directory").
					Value(&rootDir).
					Validate(requireValue("mirror root")),
				huh.NewInput().
					Title("API base URL").
					Placeholder("https://api.example.com").
					Value(&apiBase).
					Validate(requireValue("API base URL")),
				huh.NewInput().
					Title("API token").
					EchoMode(huh.EchoModePassword).
					Value(&token).
					Validate(requireValue("API token")),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}

		creds := api.NewTokenCredentials(apiBase, token, nil)
		if err := creds.EnsureReady(cmd.Context()); err != nil {
			return fmt.Errorf("token validation failed: %w", err)
		}
		identity, err := creds.Identity()
		if err != nil {
			return err
		}

		if err := lockfile.Supported(rootDir); err != nil {
			return fmt.Errorf("mirror root unusable: %w", err)
		}

		// Subsequent writes and reads resolve against the chosen root.
		os.Setenv("CVM_ROOT", rootDir)
		for key, value := range map[string]string{
			"root":     rootDir,
			"api-base": apiBase,
			"token":    token,
			"identity": identity.Label,
		} {
			if err := config.SetYaml(key, value); err != nil {
				return err
			}
		}
		if err := config.Initialize(); err != nil {
			return err
		}

		fmt.Println(okStyle.Render("✓") + " Configured mirror for " + identity.Label)
		fmt.Printf("  Root:   %s\n  Config: %s\n", rootDir, config.ConfigPath())
		fmt.Println("Run 'cvm sync --full' to seed the mirror, then 'cvm daemon start'.")
		return nil
	},
}

func requireValue(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
