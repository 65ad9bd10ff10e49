package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/medflow/medcode/internal/codes/format"
)

// NewValidateCommand creates the validate command. It exits with ExitFailure when any
// of the given codes is invalid.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <code>...",
		Short: "Check codes and report every problem found",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())

			results := make([]format.ValidationResult, 0, len(args))
			invalid := 0
			for _, code := range args {
				res := format.Validate(code)
				if !res.IsValid {
					invalid++
				}
				results = append(results, res)
			}

			err := out.Success(results, func(w io.Writer) {
				for _, res := range results {
					printValidation(w, res)
				}
			})
			if err != nil {
				return err
			}
			if invalid > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d codes invalid", invalid, len(args)))
			}
			return nil
		},
	}
}

func printValidation(w io.Writer, res format.ValidationResult) {
	if res.IsValid {
		fmt.Fprintf(w, "✓ %s\n", res.Code)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", res.Code)
	for _, problem := range res.Errors {
		fmt.Fprintf(w, "    %s\n", problem)
	}
}
