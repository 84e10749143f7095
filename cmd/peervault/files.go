package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/peervault/peervault/internal/client"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/pkg/bytesize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ServerEnv overrides the default coordinator URL for client commands.
const ServerEnv = "PEERVAULT_SERVER"

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#44475A"))
)

type clientFlags struct {
	server  string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "", "coordinator URL (default $"+ServerEnv+" or "+config.DefaultServer+")")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "request timeout")
}

func (f *clientFlags) serverURL() string {
	if f.server != "" {
		return f.server
	}
	if env := os.Getenv(ServerEnv); env != "" {
		return env
	}
	return config.DefaultServer
}

// withClient dials the coordinator, runs fn and closes the connection.
func (f *clientFlags) withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	c, err := client.Dial(ctx, f.serverURL(), log.Logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func newUploadCmd() *cobra.Command {
	var (
		f    clientFlags
		name string
	)
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(path)
			}

			return f.withClient(func(ctx context.Context, c *client.Client) error {
				fileID, err := c.Upload(ctx, name, data, info.ModTime())
				if err != nil {
					return fmt.Errorf("upload %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%s) as %s\n", name, bytesize.Format(int64(len(data))), fileID)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "name to store the file under (default: base name of path)")
	return cmd
}

func newListCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withClient(func(ctx context.Context, c *client.Client) error {
				files, err := c.List(ctx)
				if err != nil {
					return err
				}
				renderFiles(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

// renderFiles writes the catalog as a table.
func renderFiles(w io.Writer, files []client.File) {
	if len(files) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No files stored."))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ID", "NAME", "SIZE", "DATE", "REPLICAS", "CHECKSUM")

	var total int64
	for _, f := range files {
		total += f.Size
		t.Row(
			f.ID,
			f.Name,
			bytesize.Format(f.Size),
			f.Date.Local().Format("2006-01-02 15:04"),
			strings.Join(f.Replicas, ","),
			shortChecksum(f.Checksum),
		)
	}

	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d files, %s", len(files), bytesize.Format(total))))
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func newDownloadCmd() *cobra.Command {
	var (
		f      clientFlags
		outDir string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withClient(func(ctx context.Context, c *client.Client) error {
				d, err := c.Download(ctx, args[0])
				if err != nil {
					return fmt.Errorf("download %s: %w", args[0], err)
				}
				path, err := writeDownload(outDir, d, force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s (%s) to %s\n", d.FileID, bytesize.Format(int64(len(d.Data))), path)
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "directory to write the file to")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// writeDownload stores d under outDir using the base of its stored name.
func writeDownload(outDir string, d *client.Download, force bool) (string, error) {
	name := filepath.Base(d.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		name = d.FileID
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(outDir, name)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%s already exists; use --force to overwrite", path)
		}
		return "", err
	}
	if _, err := file.Write(d.Data); err != nil {
		_ = file.Close()
		return "", err
	}
	return path, file.Close()
}

func newDeleteCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:     "delete <file-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a file from every replica",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withClient(func(ctx context.Context, c *client.Client) error {
				if err := c.Delete(ctx, args[0]); err != nil {
					return fmt.Errorf("delete %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}
