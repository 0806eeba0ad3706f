package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/wsbroker/wsbroker/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┬ ┬┌─┐┌┐ ┬─┐┌─┐┬┌─┌─┐┬─┐
  │││└─┐├┴┐├┬┘│ │├┴┐├┤ ├┬┘
  └┴┘└─┘└─┘┴└─└─┘┴ ┴└─┘┴└─
`

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	noColor    bool
}

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "wsbroker",
		Short: "An embedded websocket message broker",
		Long: `wsbroker serves static files and websocket connections from a single
process. Inbound messages are reassembled from frames and handed to a
callback or a poll queue; outbound messages are fanned out to one or all
connections in frame-sized chunks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.noColor {
				errors.DisableColors()
			}
			return loadEnvFile(g.envFile, cmd.Flags().Changed("env-file"))
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to wsbroker.json (default: nearest wsbroker.json above the working directory)")
	pf.StringVar(&g.envFile, "env-file", ".env", "File of WSBROKER_* variables to load")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text or json (default from config)")
	pf.BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		serveCmd(&g),
		clientCmd(&g),
		configCmd(&g),
		errorsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		format := g.logFormat
		if format == "" {
			format = os.Getenv("WSBROKER_LOG_FORMAT")
		}
		printError(os.Stderr, err, format)
		os.Exit(1)
	}
}

// loadEnvFile loads KEY=VALUE pairs without overriding the environment.
// A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errors.Newf(errors.CategoryCLI, "env file %s", path).Wrap(err)
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Newf(errors.CategoryCLI, "parse env file %s", path).Wrap(err)
	}
	return nil
}

// printBanner prints the ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
