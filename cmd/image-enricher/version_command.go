package main

import (
	"fmt"

	"github.com/spf13/cobra"

	imageenricher "github.com/menta2k/image-enricher"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "image-enricher %s\n", imageenricher.GetVersion())
		},
	}
}
