package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wsbroker/wsbroker/internal/errors"
)

func errorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "errors [code]",
		Short: "List error codes or explain one",
		Example: `  wsbroker errors
  wsbroker errors E105`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, code := range errors.GetAllCodes() {
					t, _ := errors.GetTemplate(code)
					fmt.Fprintf(out, "  %s  %-10s %s\n", code, t.Category, t.Message)
				}
				return nil
			}

			code := strings.ToUpper(args[0])
			if _, ok := errors.GetTemplate(code); !ok {
				return errors.Newf(errors.CategoryCLI, "unknown error code %s", args[0]).
					WithSuggestion("Run 'wsbroker errors' to list the codes")
			}
			fmt.Fprint(out, errors.New(code).Format())
			return nil
		},
	}
}
