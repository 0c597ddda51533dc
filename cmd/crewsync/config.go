package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/crewsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with default settings",
	Long: `Write a TOML config file. Without a path the file is created at
~/.config/crewsync/crewsync.toml. On a terminal you are prompted for the
remote endpoints and your user id unless --defaults is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		defaults, _ := cmd.Flags().GetBool("defaults")

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to locate home directory: %w", err)
			}
			path = filepath.Join(home, ".config", "crewsync", config.FileName+".toml")
		}

		c := cfg
		if !defaults && out.Interactive() {
			if err := promptConfig(&c); err != nil {
				return err
			}
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if err := config.WriteFile(path, c, force); err != nil {
			return err
		}
		out.Printf("%s wrote %s\n", out.Success("✓"), path)
		return nil
	},
}

func promptConfig(c *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Remote REST URL").
				Description("Leave empty to use the in-memory demo store.").
				Value(&c.Remote.URL).
				Validate(optionalURL),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&c.Remote.APIKey),
			huh.NewInput().
				Title("Realtime websocket URL").
				Value(&c.Realtime.URL).
				Validate(optionalURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("User id").
				Value(&c.User.ID).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("user id is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Display name").
				Value(&c.User.Name),
			huh.NewInput().
				Title("Cache path").
				Value(&c.Cache.Path),
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&c.Log.Level),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("config prompt aborted: %w", err)
	}
	return nil
}

func optionalURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", s)
	}
	return nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		if f := loader.File(); f != "" {
			out.Println(out.Muted("# " + f))
		} else {
			out.Println(out.Muted("# no config file, defaults and environment only"))
		}
		out.Printf("%s", data)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().Bool("defaults", false, "Skip the interactive prompt")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
