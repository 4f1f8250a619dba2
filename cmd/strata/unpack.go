package main

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/stratoreg/strata/reference"
	"github.com/stratoreg/strata/storage"
	"github.com/stratoreg/strata/unpack"
)

// resolveHead turns a name:tag or digest reference into a head digest.
func resolveHead(meta *storage.Store, arg string) (digest.Digest, error) {
	ref, err := reference.Parse(arg)
	if err != nil {
		return "", err
	}
	switch r := ref.(type) {
	case reference.Digested:
		return r.Digest, nil
	case reference.Tagged:
		return meta.GetTag(r.Repository, r.Tag)
	}
	return "", errors.New("unsupported reference")
}

func unpackCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "unpack <reference> <destination>",
		Short: "Materialize an image into a directory",
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
			return unpack.New(e.objects, e.meta).Unpack(head, args[1], unpack.Options{DryRun: dryRun})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print planned actions without touching the filesystem")
	return cmd
}

func removeUnpackingCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove-unpacking <destination>",
		Short: "Delete a materialized directory and stop tracking it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			return unpack.New(e.objects, e.meta).Remove(args[0], force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "untrack even if some paths cannot be deleted")
	return cmd
}

func unpackingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpackings",
		Short: "List tracked materialized directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			unpackings, err := e.meta.ListUnpackings()
			if err != nil {
				return err
			}
			for _, u := range unpackings {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
					u.Destination, u.Digest, u.Created.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
