package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratoreg/strata"
	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/unpack"
)

func imagesCommand() *cobra.Command {
	var (
		remote      bool
		registryURL string
	)
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List images, locally or on the remote registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			images, err := listImages(cmd, remote, registryURL)
			if err != nil {
				return err
			}
			for _, image := range images {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", image.Name(), image.Digest)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "list images on the remote registry")
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry url (default from configuration)")
	return cmd
}

func listImages(cmd *cobra.Command, remote bool, registryURL string) ([]strata.Image, error) {
	if remote {
		r, err := openRemote(registryURL)
		if err != nil {
			return nil, err
		}
		return r.ListImages(cmd.Context())
	}
	e, err := openEnv()
	if err != nil {
		return nil, err
	}
	defer e.close()
	return e.meta.ListImages()
}

func loginCommand() *cobra.Command {
	var registryURL string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify the configured credentials against the remote registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			remote, err := openRemote(registryURL)
			if err != nil {
				return err
			}
			version, err := remote.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "login succeeded (registry %s)\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&registryURL, "registry", "", "registry url (default from configuration)")
	return cmd
}

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <reference>",
		Short: "Show the layer chain of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			head, err := resolveHead(e.meta, args[0])
			if err != nil {
				return err
			}
			chain, err := e.meta.ResolveChain(head)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "head:   %s\n", head)
			fmt.Fprintf(out, "layers: %d\n", len(chain))
			for _, layer := range chain {
				fmt.Fprintf(out, "  %s  %d operation(s)  %s\n",
					layer.Digest, len(layer.Operations), layer.Created.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func contentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "contents <reference>",
		Short: "List the paths a materialized tree of an image would contain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			head, err := resolveHead(e.meta, args[0])
			if err != nil {
				return err
			}
			paths, err := unpack.New(e.objects, e.meta).Contents(head)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func tagCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <reference> <name:tag>",
		Short: "Point a new tag at an existing image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			head, err := resolveHead(e.meta, args[0])
			if err != nil {
				return err
			}
			target, err := reference.ParseTag(args[1])
			if err != nil {
				return err
			}
			if err := e.meta.SetTag(target.Repository, target.Tag, head); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", target, head)
			return nil
		},
	}
}

func removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name:tag>",
		Short: "Remove a tag (layers are reclaimed by gc)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ref, err := reference.ParseTag(args[0])
			if err != nil {
				return err
			}
			return e.meta.RemoveTag(ref.Repository, ref.Tag)
		},
	}
}

func gcCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove layers and objects not reachable from any tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			result, err := e.meta.GarbageCollect(e.objects, dryRun)
			if err != nil {
				return err
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d layer(s), %d object(s)\n", verb, result.Layers, result.Objects)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without removing")
	return cmd
}
