package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/menta2k/image-enricher/internal/batch"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Register an image file or every image under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.enricher(cmd.Context())
			if err != nil {
				return err
			}
			images, err := app.Import(cmd.Context(), args[0])
			out := cmd.OutOrStdout()
			for _, img := range images {
				fmt.Fprintf(out, "Registered image #%d: %s (%dx%d)\n", img.ID, img.Path, img.Width, img.Height)
			}
			if err != nil {
				return err
			}
			if len(images) == 0 {
				fmt.Fprintf(out, "No images found under %s\n", args[0])
			}
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered images and their alt text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.enricher(cmd.Context())
			if err != nil {
				return err
			}
			images, err := app.Store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(images) == 0 {
				fmt.Fprintln(out, "No images registered")
				return nil
			}
			rows := make([][]string, 0, len(images))
			for _, img := range images {
				rows = append(rows, []string{
					strconv.FormatInt(img.ID, 10),
					img.Path,
					fmt.Sprintf("%dx%d", img.Width, img.Height),
					yesNo(img.Enriched),
					img.AltText,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Path", "Size", "Enriched", "Alt text"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft},
				!isTerminal(cmd),
			))
			return nil
		},
	}
}

func newGenerateAltTextCommand(ctx *commandContext) *cobra.Command {
	var refresh bool
	var force bool

	cmd := &cobra.Command{
		Use:   "generate-alt-text [id...]",
		Short: "Generate alt text from vision annotations",
		Long: `Generate alt text for the given image ids, or for every registered image
when none are given. By default only images without alt text are processed.

  --refresh  also regenerate alt text that was generated before
  --force    overwrite every image's alt text`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := batch.ModeFromFlags(refresh, force)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			app, err := ctx.enricher(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				if ids, err = app.Store.IDs(cmd.Context()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			report, err := app.NewBatchRunner(out).Run(cmd.Context(), mode, ids)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, report.Table(!isTerminal(cmd)))
			fmt.Fprintln(out, report.Summary())
			if report.Errors > 0 && report.Successes == 0 {
				return errors.New("alt text generation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Regenerate alt text that was previously generated")
	cmd.Flags().BoolVar(&force, "force", false, "Regenerate alt text for every image")
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
