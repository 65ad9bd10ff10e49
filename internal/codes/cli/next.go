package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/pkg/errors"
)

const maxNextCount = 1000

// NextOptions holds flags for the next command.
type NextOptions struct {
	*RootOptions
	Count int
}

type nextResult struct {
	From   string   `json:"from"`
	Tokens []string `json:"tokens"`
}

// NewNextCommand creates the next command, which steps a sequence token (or the token of
// a full code) forward in its scheme.
func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NextOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "next <token|code>",
		Short: "Print the sequence tokens that follow a token",
		Example: `  codectl next 0009
  codectl next 999A --count 3
  codectl next 25071F111B0041`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNext(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 1, "number of tokens to print")

	return cmd
}

func runNext(opts *NextOptions, arg string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	if opts.Count < 1 || opts.Count > maxNextCount {
		return out.Fail(ExitCommandError, errors.Validation(map[string]string{
			"count": fmt.Sprintf("must be between 1 and %d", maxNextCount),
		}))
	}

	token := arg
	if len(arg) > format.TokenLength {
		token = arg[len(arg)-format.TokenLength:]
		if _, err := format.Decode(arg); err != nil {
			return out.Fail(ExitFailure, err)
		}
	}

	value, seqType, err := format.ParseToken(token)
	if err != nil {
		return out.Fail(ExitFailure, err)
	}

	res := nextResult{From: token, Tokens: make([]string, 0, opts.Count)}
	for i := 0; i < opts.Count; i++ {
		next, ok := format.Next(value, seqType)
		if !ok {
			return out.Fail(ExitFailure, errors.SequenceExhausted(fmt.Sprintf("%s after %s", seqType, token)))
		}
		rendered, err := format.Render(next, seqType)
		if err != nil {
			return out.Fail(ExitFailure, err)
		}
		res.Tokens = append(res.Tokens, rendered)
		value = next
	}

	return out.Success(res, func(w io.Writer) {
		for _, t := range res.Tokens {
			fmt.Fprintln(w, t)
		}
	})
}
