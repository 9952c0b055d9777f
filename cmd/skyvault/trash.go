package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyvault/skyvault/internal/namespace"
	"github.com/skyvault/skyvault/pkg/bytesize"
)

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Move nodes to the trash",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				n, err := a.drive.Delete(cmd.Context(), ownerID, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d moved to trash.\n", n)
				return nil
			})
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>...",
		Short: "Restore nodes from the trash",
		Long: `Restore nodes from the trash. Deleted folders above a restored node are
restored too, and nodes whose name is now taken are renamed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				n, err := a.drive.Restore(cmd.Context(), ownerID, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d restored.\n", n)
				return nil
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>...",
		Short: "Permanently delete nodes and their descendants",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				freed, err := a.drive.Purge(cmd.Context(), ownerID, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged, %s released.\n", bytesize.Format(freed))
				return nil
			})
		},
	}
}

func newTrashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trash [folder-id]",
		Short: "List the trash, or the contents of a deleted folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := namespace.RootID
			if len(args) == 1 {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				parent = ids[0]
			}
			return withApp(func(a *app) error {
				nodes, err := a.drive.Trash(cmd.Context(), ownerID, parent)
				if err != nil {
					return err
				}
				printNodes(cmd.OutOrStdout(), nodes, true)
				return nil
			})
		},
	}
}
