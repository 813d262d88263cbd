// Command booktypeset renders a picture book job into a full-bleed PDF.
//
// The job is read as JSON from the first argument, or from stdin when no
// argument is given. The result is printed as JSON on stdout and progress
// is logged to stderr. The exit status is 0 on success and 1 on failure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/typeset"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dpi int
	var quality int

	cmd := &cobra.Command{
		Use:           "booktypeset [job-json]",
		Short:         "Typeset a picture book into a print-ready PDF",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))

			job, err := readJob(cmd.InOrStdin(), args)
			if err != nil {
				logger.Error("Could not read job.", "error", err)
				return writeResult(cmd.OutOrStdout(), models.TypesetResult{Success: false, Error: err.Error()}, err)
			}

			res, err := typeset.Run(cmd.Context(), job, typeset.Options{
				DPI:         dpi,
				JPEGQuality: quality,
				Logger:      logger,
			})
			if err != nil {
				logger.Error("Typesetting failed.", "error", err)
			}
			return writeResult(cmd.OutOrStdout(), res, err)
		},
	}
	cmd.Flags().IntVar(&dpi, "dpi", formats.DefaultDPI, "raster resolution for placed images")
	cmd.Flags().IntVar(&quality, "quality", 90, "JPEG quality for placed images (1-100)")
	cmd.AddCommand(newFormatsCmd())
	return cmd
}

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List the supported print formats",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, key := range formats.Keys() {
				cmd.Println(formats.Resolve(key).String())
			}
		},
	}
}

func readJob(stdin io.Reader, args []string) (models.TypesetJob, error) {
	var raw []byte
	if len(args) > 0 {
		raw = []byte(args[0])
	} else {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return models.TypesetJob{}, fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	}
	if strings.TrimSpace(string(raw)) == "" {
		return models.TypesetJob{}, fmt.Errorf("empty job description")
	}
	var job models.TypesetJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.TypesetJob{}, fmt.Errorf("parse job: %w", err)
	}
	return job, nil
}

// writeResult prints res and passes runErr through so the exit status
// reflects it.
func writeResult(w io.Writer, res models.TypesetResult, runErr error) error {
	if err := json.NewEncoder(w).Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return runErr
}
