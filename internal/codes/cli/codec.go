package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/pkg/errors"
)

// EncodeOptions holds flags for the encode command.
type EncodeOptions struct {
	*RootOptions
	Period       string
	Key          string
	SequenceType string
	Value        int
}

// NewEncodeCommand creates the encode command.
func NewEncodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EncodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Render a code from its components",
		Example: `  codectl encode --key 1F111B --period 2507 --value 1
  codectl encode --key 1F111B-K --value 27 --type ALPHA_SUFFIX`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Period, "period", "", "allocation period as YYMM (default: current month)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "classification, e.g. 1F111B or 1F111B-K for bulk")
	cmd.Flags().StringVar(&opts.SequenceType, "type", string(domain.SequenceNumeric), "sequence type (NUMERIC|ALPHA_SUFFIX|ALPHA_PREFIX)")
	cmd.Flags().IntVar(&opts.Value, "value", 1, "sequence ordinal")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func runEncode(opts *EncodeOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	period, err := parsePeriod(opts.Period, time.Now().UTC())
	if err != nil {
		return out.Fail(ExitCommandError, err)
	}
	key, err := format.ParseKey(opts.Key)
	if err != nil {
		return out.Fail(ExitCommandError, err)
	}
	seqType := domain.SequenceType(opts.SequenceType)
	if !seqType.Valid() {
		return out.Fail(ExitCommandError, errors.Validation(map[string]string{"type": "unknown sequence type"}))
	}
	if limit := format.MaxValue(seqType); opts.Value < 1 || opts.Value > limit {
		return out.Fail(ExitCommandError, errors.Validation(map[string]string{
			"value": fmt.Sprintf("must be in 1..%d for %s", limit, seqType),
		}))
	}

	components := format.Components{
		Year:          period.Year,
		Month:         period.Month,
		Key:           key,
		SequenceValue: opts.Value,
		SequenceType:  seqType,
		IsBulk:        key.IsBulk(),
	}
	code, err := format.Encode(components)
	if err != nil {
		return out.Fail(ExitFailure, err)
	}

	return out.Success(map[string]string{"code": code}, func(w io.Writer) {
		fmt.Fprintln(w, code)
	})
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <code>",
		Short: "Split a code into its components",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())

			c, err := format.Decode(args[0])
			if err != nil {
				return out.Fail(ExitFailure, err)
			}
			return out.Success(c, func(w io.Writer) {
				printComponents(w, args[0], c)
			})
		},
	}
}

func printComponents(w io.Writer, code string, c format.Components) {
	kind := "individual"
	if c.IsBulk {
		kind = "bulk"
	}
	fmt.Fprintf(w, "Code:              %s (%s)\n", code, kind)
	fmt.Fprintf(w, "Period:            %s\n", domain.Period{Year: c.Year, Month: c.Month})
	fmt.Fprintf(w, "Funding source:    %s\n", c.Key.FundingSource)
	fmt.Fprintf(w, "Medicine type:     %s\n", c.Key.MedicineType)
	fmt.Fprintf(w, "Active ingredient: %s\n", c.Key.ActiveIngredient)
	fmt.Fprintf(w, "Producer:          %s\n", c.Key.Producer)
	if c.IsBulk {
		fmt.Fprintf(w, "Package type:      %s\n", c.Key.PackageType)
	}
	fmt.Fprintf(w, "Sequence:          %d (%s)\n", c.SequenceValue, c.SequenceType)
}

// parsePeriod reads a YYMM period; an empty string means the period of now.
func parsePeriod(s string, now time.Time) (domain.Period, error) {
	if s == "" {
		return domain.PeriodOf(now), nil
	}
	invalid := errors.Validation(map[string]string{"period": "must be YYMM, e.g. 2507"})
	if len(s) != 4 {
		return domain.Period{}, invalid
	}
	year, err := strconv.Atoi(s[:2])
	if err != nil {
		return domain.Period{}, invalid
	}
	month, err := strconv.Atoi(s[2:])
	if err != nil {
		return domain.Period{}, invalid
	}
	p := domain.Period{Year: year, Month: month}
	if !p.Valid() {
		return domain.Period{}, invalid
	}
	return p, nil
}
