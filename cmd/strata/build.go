package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratoreg/strata/build"
	"github.com/stratoreg/strata/reference"
)

func buildCommand() *cobra.Command {
	var (
		tag        string
		contextDir string
		buildArgs  []string
	)
	cmd := &cobra.Command{
		Use:   "build <definition-file>",
		Short: "Build an image from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := args[0]
			input, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading build definition: %w", err)
			}
			vars := map[string]string{}
			for _, arg := range buildArgs {
				name, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("build argument %q is not name=value", arg)
				}
				vars[name] = value
			}
			def, err := build.ParseArgs(file, string(input), vars)
			if err != nil {
				return err
			}

			target, err := reference.ParseTag(tag)
			if err != nil {
				return err
			}
			dir := contextDir
			if dir == "" {
				dir = filepath.Dir(file)
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			image, err := build.NewBuilder(e.objects, e.meta).Build(cmd.Context(), def, dir, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", image.Name(), image.Digest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "name:tag for the built image")
	cmd.Flags().StringVarP(&contextDir, "context", "C", "", "build context directory (default: definition file directory)")
	cmd.Flags().StringArrayVar(&buildArgs, "build-arg", nil, "build argument as name=value, substituted for ${name}")
	cmd.MarkFlagRequired("tag")
	return cmd
}
