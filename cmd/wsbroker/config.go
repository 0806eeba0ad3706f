package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/wsbroker/wsbroker/internal/config"
	"github.com/wsbroker/wsbroker/internal/errors"
	"github.com/wsbroker/wsbroker/pkg/webserver"
)

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, show and check wsbroker.json",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd(g), configValidateCmd(g))
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a wsbroker.json with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path := filepath.Join(dir, config.ConfigFileName)
			if config.Exists(dir) && !force {
				return errors.Newf(errors.CategoryCLI, "%s already exists", path).
					WithSuggestion("Pass --force to overwrite it")
			}

			if err := os.MkdirAll(filepath.Join(dir, config.DefaultWebDir), 0o755); err != nil {
				return errors.Newf(errors.CategoryCLI, "create web directory").Wrap(err)
			}
			if err := config.New().SaveTo(path); err != nil {
				return err
			}
			success("Created %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func configShowCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults and WSBROKER_* overrides, either
as JSON or as the broker's own settings dump.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if asJSON {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			srv := webserver.New()
			// A missing key pair leaves TLS disabled in the dump.
			srv.SetConfig(cfg.Hostname, cfg.WebDirPath(), cfg.Port)
			if err := srv.SetConfigTLS(cfg.TLS.Port, cfg.TLSCertPath(), cfg.TLSKeyPath()); err != nil {
				warn("%v", err)
			}
			if err := srv.SetOptions(cfg.ServerOptions()); err != nil {
				warn("%v", err)
			}
			if cfg.Path() != "" {
				fmt.Fprintf(out, "%-15s%s\n", "Config file:", cfg.Path())
			}
			fmt.Fprint(out, srv.Config())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func configValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if fi, err := os.Stat(cfg.WebDirPath()); err != nil || !fi.IsDir() {
				return errors.New("E103").
					WithDetail("webDir " + cfg.WebDirPath() + " is not a directory.")
			}
			if cfg.TLS.Port > 0 {
				for _, p := range []string{cfg.TLSCertPath(), cfg.TLSKeyPath()} {
					if _, err := os.Stat(p); err != nil {
						return errors.New("E104").Wrap(err)
					}
				}
			}
			success("Configuration is valid")
			return nil
		},
	}
}
