package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/transfer"
)

func pushCommand() *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "push <name:tag>",
		Short: "Upload an image to the remote registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.ParseTag(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			remote, err := openRemote(registryURL)
			if err != nil {
				return err
			}

			local := transfer.NewLocal(e.objects, e.meta)
			summary, err := transfer.Copy(cmd.Context(), local, remote, ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %s: %d layer(s), %d object(s), %d byte(s)\n",
				ref, summary.Layers, summary.Objects, summary.Bytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry url (default from configuration)")
	return cmd
}

func pullCommand() *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "pull <name:tag>",
		Short: "Download an image from the remote registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.ParseTag(args[0])
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			remote, err := openRemote(registryURL)
			if err != nil {
				return err
			}

			local := transfer.NewLocal(e.objects, e.meta)
			summary, err := transfer.Copy(cmd.Context(), remote, local, ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %s: %d layer(s), %d object(s), %d byte(s)\n",
				ref, summary.Layers, summary.Objects, summary.Bytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry url (default from configuration)")
	return cmd
}
