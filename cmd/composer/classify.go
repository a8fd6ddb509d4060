package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/composer/internal/config"
	"github.com/memohai/composer/internal/media"
)

var classifyAsImage bool

var classifyCmd = &cobra.Command{
	Use:   "classify <file>...",
	Short: "Show how each file would be sent",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		role := media.RoleFile
		if classifyAsImage {
			role = media.RoleImage
		}
		rows, err := classifyFiles(cmd.Context(), cfg.Limits, role, args)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tSIZE\tTYPE\tDECISION\tNOTE")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.name, humanize.IBytes(uint64(r.size)), r.mime, decisionLabel(r.decision.Kind), r.note)
		}
		return w.Flush()
	},
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyAsImage, "image", false, "classify as images instead of generic files")
}

type classifyRow struct {
	name     string
	size     int64
	mime     string
	decision media.Decision
	note     string
}

func classifyFiles(ctx context.Context, limits config.LimitsConfig, role media.Role, paths []string) ([]classifyRow, error) {
	profile := limits.Profile()
	rows := make([]classifyRow, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			att, err := openAttachment(path, limits.MaxReadBytes)
			if err != nil {
				return err
			}
			d := media.Classify(att, profile, role)
			row := classifyRow{name: att.Name, size: att.ByteLength(), mime: att.Mime, decision: d}
			if err := d.Err(att, profile); err != nil {
				row.note = media.UserMessage(err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// openAttachment reads a file from disk, sniffing its MIME type.
func openAttachment(path string, maxBytes int64) (media.RawAttachment, error) {
	f, err := os.Open(path) //nolint:gosec // user supplied path
	if err != nil {
		return media.RawAttachment{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	name := filepath.Base(path)
	if st, err := f.Stat(); err == nil && st.Size() > maxBytes {
		// Too large to load; the size alone decides the outcome.
		return media.RawAttachment{Name: name, Mime: media.DetectMime(nil, name), Size: st.Size()}, nil
	}
	att, err := media.ReadAttachment(f, name, "", maxBytes)
	if err != nil {
		return media.RawAttachment{}, fmt.Errorf("read %s: %w", path, err)
	}
	return att, nil
}

var (
	rejectedColor = color.New(color.FgRed, color.Bold)
	pendingColor  = color.New(color.FgYellow)
	inlineColor   = color.New(color.FgGreen)
)

// decisionLabel colours a decision for terminal output. Color is disabled
// automatically when stdout is not a terminal.
func decisionLabel(kind media.DecisionKind) string {
	switch kind {
	case media.DecisionRejected:
		return rejectedColor.Sprint(kind)
	case media.DecisionOutOfBand:
		return pendingColor.Sprint(kind)
	default:
		return inlineColor.Sprint(kind)
	}
}
