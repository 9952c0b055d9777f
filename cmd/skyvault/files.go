package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyvault/skyvault/internal/blob"
	"github.com/skyvault/skyvault/internal/drive"
	"github.com/skyvault/skyvault/internal/namespace"
	"github.com/skyvault/skyvault/pkg/bytesize"
)

func newPutCmd() *cobra.Command {
	var (
		parent    int64
		name      string
		relPath   string
		rename    bool
		chunkSize string
	)
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file",
		Long: `Upload a local file.

Content already stored by anyone is linked without sending the bytes again.
Files at least --chunk-size long are sent in chunks; re-running an
interrupted upload resumes from the chunks already received.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				size := a.cfg.Upload.ChunkSize.Bytes()
				if chunkSize != "" {
					var err error
					if size, err = bytesize.Parse(chunkSize); err != nil || size <= 0 {
						return fmt.Errorf("invalid --chunk-size %q", chunkSize)
					}
				}
				if name == "" {
					name = filepath.Base(args[0])
				}
				opts := drive.UploadOptions{Parent: parent, Name: name, RelPath: relPath, AutoRename: rename}
				n, err := putFile(cmd.Context(), a.drive, ownerID, args[0], opts, size)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", n.ID, n.Name, bytesize.Format(n.Size))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", namespace.RootID, "destination folder id")
	cmd.Flags().StringVar(&name, "name", "", "file name (default: local base name)")
	cmd.Flags().StringVar(&relPath, "path", "", "relative path under --parent, e.g. A/B/file.txt")
	cmd.Flags().BoolVar(&rename, "rename", false, "pick a free name instead of failing on conflict")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "", "chunk size (default: upload.chunk_size)")
	return cmd
}

// hashFile returns the content hash and size of the file at path.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := blob.NewHasher()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return blob.SumHex(h), n, nil
}

// putFile uploads path through the fast path when the content is known,
// as a single stream below chunkSize, or as a resumable chunked upload.
func putFile(ctx context.Context, d *drive.Drive, owner int64, path string, o drive.UploadOptions, chunkSize int64) (*namespace.Node, error) {
	hash, size, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("file", path).Str("hash", hash).Logger()

	known, err := d.CheckHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if known {
		logger.Debug().Msg("content already stored, linking")
		return d.FastUpload(ctx, owner, hash, o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if size < chunkSize {
		return d.Upload(ctx, owner, f, o)
	}

	total := int((size + chunkSize - 1) / chunkSize)
	sess, uploaded, err := d.InitChunked(ctx, owner, hash, total, o)
	if err != nil {
		return nil, err
	}
	have := make(map[int]bool, len(uploaded))
	for _, i := range uploaded {
		have[i] = true
	}
	logger.Debug().Str("session", sess.ID).Int("total", total).Int("resumed", len(uploaded)).Msg("chunked upload")

	for i := 0; i < total; i++ {
		if have[i] {
			continue
		}
		off := int64(i) * chunkSize
		n := chunkSize
		if off+n > size {
			n = size - off
		}
		if _, err := d.PutChunk(ctx, owner, sess.ID, i, io.NewSectionReader(f, off, n)); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	return d.CompleteChunked(ctx, owner, sess.ID, hash, o)
}

func newMkdirCmd() *cobra.Command {
	var parent int64
	cmd := &cobra.Command{
		Use:   "mkdir <name>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				n, err := a.drive.CreateFolder(cmd.Context(), ownerID, parent, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s/\n", n.ID, n.Name)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", namespace.RootID, "parent folder id")
	return cmd
}

func newLsCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:     "ls [folder-id]",
		Aliases: []string{"list"},
		Short:   "List a folder, or search by name",
		Args:    cobra.MaximumNArgs(1),
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
				nodes, err := a.drive.List(cmd.Context(), ownerID, parent, search)
				if err != nil {
					return err
				}
				printNodes(cmd.OutOrStdout(), nodes, false)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "name substring to search for across all folders")
	return cmd
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <id>... <target-folder-id>",
		Short: "Move nodes into a folder (0 for the root)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				moved, err := a.drive.Move(cmd.Context(), ownerID, ids[len(ids)-1], ids[:len(ids)-1]...)
				if err != nil {
					return err
				}
				printNodes(cmd.OutOrStdout(), moved, false)
				return nil
			})
		},
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <id>... <target-folder-id>",
		Short: "Copy nodes into a folder (0 for the root)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				copied, err := a.drive.Copy(cmd.Context(), ownerID, ids[len(ids)-1], ids[:len(ids)-1]...)
				if err != nil {
					return err
				}
				printNodes(cmd.OutOrStdout(), copied, false)
				return nil
			})
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new-name>",
		Short: "Rename a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				n, err := a.drive.Rename(cmd.Context(), ownerID, ids[0], args[1])
				if err != nil {
					return err
				}
				printNodes(cmd.OutOrStdout(), []*namespace.Node{n}, false)
				return nil
			})
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <id>",
		Short: "Write a file's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				rc, _, err := a.drive.Open(cmd.Context(), ownerID, ids[0])
				if err != nil {
					return err
				}
				defer func() { _ = rc.Close() }()
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			})
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <id>",
		Short: "Print the full path of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				chain, err := a.drive.Path(cmd.Context(), ownerID, ids[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), joinPath(chain))
				return nil
			})
		},
	}
}

// joinPath renders an ancestor chain as "/A/B/name".
func joinPath(chain []*namespace.Node) string {
	names := make([]string, len(chain))
	for i, n := range chain {
		names[i] = n.Name
	}
	return "/" + strings.Join(names, "/")
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids[i] = id
	}
	return ids, nil
}

func printNodes(out io.Writer, nodes []*namespace.Node, trash bool) {
	if len(nodes) == 0 {
		_, _ = fmt.Fprintln(out, "No entries.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if trash {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSIZE\tDELETED")
	} else {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSIZE\tMODIFIED")
	}
	for _, n := range nodes {
		name, size := n.Name, bytesize.Format(n.Size)
		if n.IsFolder {
			name, size = name+"/", "-"
		}
		when := n.UpdatedAt
		if trash && n.DeletedAt != nil {
			when = *n.DeletedAt
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", n.ID, name, size, when.Local().Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}
