package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/image-enricher/pkg/crophint"
	"github.com/menta2k/image-enricher/pkg/enrich"
)

func newSafeSearchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "safe-search <file>",
		Short: "Check an image file for likely safe-search violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.enricher(cmd.Context())
			if err != nil {
				return err
			}
			violations, err := app.Engine.SafeSearchViolations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(violations) > 0 {
				return errors.New(enrich.UploadViolationMessage(violations))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "No safe-search violations for %s\n", args[0])
			return nil
		},
	}
}

func newCropHintCommand(ctx *commandContext) *cobra.Command {
	var thumbnails bool

	cmd := &cobra.Command{
		Use:   "crop-hint <id>",
		Short: "Resolve the crop focus of a registered image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			app, err := ctx.enricher(cmd.Context())
			if err != nil {
				return err
			}

			var hint crophint.Hint
			var written []string
			if thumbnails {
				hint, written, err = app.Thumbnails(cmd.Context(), ids[0])
			} else {
				img, getErr := app.Store.Get(cmd.Context(), ids[0])
				if getErr != nil {
					return getErr
				}
				hint, err = app.Hints.ForImage(cmd.Context(), img.Ref())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Image #%d: horizontal=%s vertical=%s", ids[0], hint.Horizontal, hint.Vertical)
			if hint.Confidence > 0 {
				fmt.Fprintf(out, " confidence=%.2f", hint.Confidence)
			}
			fmt.Fprintln(out)
			for _, path := range written {
				fmt.Fprintf(out, "Wrote %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&thumbnails, "thumbnails", false, "Render the configured thumbnail sizes around the hint")
	return cmd
}

func newPrefetchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <file>...",
		Short: "Warm the annotation cache for image files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.enricher(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				if app.Cache.Prefetch(cmd.Context(), path) {
					fmt.Fprintf(out, "Prefetched %s\n", path)
					continue
				}
				failed++
				fmt.Fprintf(out, "Warning: Could not prefetch %s\n", path)
			}
			stats := app.Cache.Stats()
			fmt.Fprintf(out, "Prefetches: %d, hits: %d, misses: %d\n", stats.Prefetches, stats.Hits, stats.Misses)
			if failed == len(args) {
				return errors.New("prefetch failed for every file")
			}
			return nil
		},
	}
}
