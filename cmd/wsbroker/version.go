package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/webserver"
)

// buildInfo is what `wsbroker version` reports.
type buildInfo struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit"`
	Date      string            `json:"date"`
	GoVersion string            `json:"goVersion"`
	Platform  string            `json:"platform"`
	Framers   map[string]string `json:"framers"`
}

// framerModules maps each framer to the module implementing it.
var framerModules = map[string]string{
	engine.FramerGorilla: "github.com/gorilla/websocket",
	engine.FramerGobwas:  "github.com/gobwas/ws",
}

func currentBuild() buildInfo {
	b := buildInfo{
		Version:   version,
		Commit:    commit,
		Date:      date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Framers:   make(map[string]string, len(framerModules)),
	}
	deps := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, d := range bi.Deps {
			deps[d.Path] = d.Version
		}
	}
	for name, mod := range framerModules {
		v := deps[mod]
		if v == "" {
			v = "(devel)"
		}
		b.Framers[name] = mod + " " + v
	}
	return b
}

func versionCmd() *cobra.Command {
	var (
		short  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print the wsbroker version, the websocket framers compiled in and the default limits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			b := currentBuild()
			switch {
			case short:
				fmt.Fprintln(out, b.Version)
			case asJSON:
				data, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			default:
				printBanner()
				printBuild(out, b)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func printBuild(w io.Writer, b buildInfo) {
	opts := webserver.DefaultOptions()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:     %s (%s, %s)\n", b.Version, b.Commit, b.Date)
	fmt.Fprintf(w, "  Go:          %s %s\n", b.GoVersion, b.Platform)
	fmt.Fprintf(w, "  Framers:     %s (default)\n", b.Framers[engine.FramerGorilla])
	fmt.Fprintf(w, "               %s\n", b.Framers[engine.FramerGobwas])
	fmt.Fprintf(w, "  Limits:      %d connections, %s frames, %s messages\n",
		opts.MaxConnections,
		sizestr.ToString(int64(opts.MaxFrameSize)),
		sizestr.ToString(int64(opts.MaxMessageSize)))
	fmt.Fprintln(w)
}
