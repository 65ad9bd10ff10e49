package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/medflow/medcode/internal/codes/domain"
	"github.com/medflow/medcode/internal/codes/format"
	"github.com/medflow/medcode/internal/codes/repository"
	"github.com/medflow/medcode/internal/codes/service"
	"github.com/medflow/medcode/pkg/actor"
	"github.com/medflow/medcode/pkg/errors"
	"github.com/medflow/medcode/pkg/logger"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	Key          string
	Batch        string
	Period       string
	SequenceType string
	Count        int
	Total        int
	PackageSize  int
	PackageType  string
}

var previewActor = actor.System("codectl")

// NewGenerateCommand creates the generate command. It runs the real generator against a
// fresh in-memory store, so it shows the codes an empty period would issue.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Preview the codes a generation request would mint",
		Example: `  codectl generate --key 1F111B --batch B-2507-01 --count 3
  codectl generate --key 1F111B --batch B-2507-01 --total 100 --package-size 20 --package-type K`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "classification without package type, e.g. 1F111B")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "batch reference")
	cmd.Flags().StringVar(&opts.Period, "period", "", "allocation period as YYMM (default: current month)")
	cmd.Flags().StringVar(&opts.SequenceType, "type", string(domain.SequenceNumeric), "sequence type (NUMERIC|ALPHA_SUFFIX|ALPHA_PREFIX)")
	cmd.Flags().IntVar(&opts.Count, "count", 1, "number of individual codes")
	cmd.Flags().IntVar(&opts.Total, "total", 0, "total units for bulk codes")
	cmd.Flags().IntVar(&opts.PackageSize, "package-size", 0, "units per bulk package")
	cmd.Flags().StringVar(&opts.PackageType, "package-type", "", "bulk package type letter")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("batch")

	return cmd
}

func runGenerate(opts *GenerateOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	period, err := parsePeriod(opts.Period, time.Now().UTC())
	if err != nil {
		return out.Fail(ExitCommandError, err)
	}
	key, err := format.ParseKey(opts.Key)
	if err != nil {
		return out.Fail(ExitCommandError, err)
	}

	gen := newPreviewGenerator()

	names := previewNames()
	seqType := domain.SequenceType(opts.SequenceType)

	var res *service.GenerationResult
	if opts.Total > 0 || opts.PackageSize > 0 || opts.PackageType != "" {
		res, err = gen.GenerateBulk(cmd.Context(), service.GenerateBulkRequest{
			Key:             key,
			BatchReference:  opts.Batch,
			TotalQuantity:   opts.Total,
			BulkPackageSize: opts.PackageSize,
			PackageType:     opts.PackageType,
			SequenceType:    seqType,
			Period:          &period,
			Names:           names,
			IssuedBy:        previewActor.ID,
		})
	} else {
		res, err = gen.GenerateIndividual(cmd.Context(), service.GenerateIndividualRequest{
			Key:            key,
			BatchReference: opts.Batch,
			Count:          opts.Count,
			SequenceType:   seqType,
			Period:         &period,
			Names:          names,
			IssuedBy:       previewActor.ID,
		})
	}
	if err != nil {
		exit := ExitFailure
		if errors.Is(err, errors.ErrValidation) {
			exit = ExitCommandError
		}
		return out.Fail(exit, err)
	}

	return out.Success(res, func(w io.Writer) {
		for _, c := range res.Codes {
			if c.IsBulkPackage {
				fmt.Fprintf(w, "%s\t%d units\n", c.CodeString, c.UnitQuantity)
			} else {
				fmt.Fprintln(w, c.CodeString)
			}
		}
		for _, f := range res.Failures {
			fmt.Fprintf(w, "unit %d failed: %s\n", f.Unit, f.Reason)
		}
		fmt.Fprintf(w, "%d of %d generated for %s\n", res.Generated, res.Requested, res.Classification)
	})
}

func newPreviewGenerator() *service.Generator {
	log := logger.Nop()
	mem := repository.NewMemory()

	registry := service.NewRegistry(mem.Masters(), 16, time.Minute, log)
	allocator := service.NewAllocator(mem.Sequences(), nil, log)
	return service.NewGenerator(registry, allocator, mem.Codes(), nil, nil, domain.SequenceNumeric, log)
}

// previewNames satisfies the registry, which needs display names to create an entry.
func previewNames() *domain.MasterNames {
	return &domain.MasterNames{
		FundingSource:    "preview",
		MedicineType:     "preview",
		ActiveIngredient: "preview",
		Producer:         "preview",
	}
}
