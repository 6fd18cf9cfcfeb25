package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/store"
)

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var (
		session    string
		duration   float64
		recordedAt string
		now        bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Queue a local recording for upload",
		Long:  "Queue a local recording for upload. The file is deleted once it has been uploaded.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if recordedAt != "" {
				t, err := time.Parse(time.RFC3339, recordedAt)
				if err != nil {
					return fmt.Errorf("--recorded-at must be RFC3339: %w", err)
				}
				at = t
			}
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				uri := localURI(args[0])
				size, err := app.Recordings.Size(ctx, uri)
				if err != nil {
					return err
				}
				rec, err := app.Engine.Enqueue(ctx, models.RawRecording{
					SessionID:       session,
					AudioURI:        uri,
					DurationSeconds: duration,
					FileSizeBytes:   size,
					RecordedAt:      at,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s, %s priority)\n", rec.ID, humanize.IBytes(uint64(rec.FileSizeBytes)), rec.Priority)
				if now {
					return runPass(ctx, cmd, app)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "recording session id")
	cmd.Flags().Float64Var(&duration, "duration", 0, "recording length in seconds")
	cmd.Flags().StringVar(&recordedAt, "recorded-at", "", "capture time, RFC3339 (default now)")
	cmd.Flags().BoolVar(&now, "now", false, "upload immediately instead of waiting for a pass")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// localURI makes a path given on the command line absolute when it exists
// relative to the working directory; anything else is left for the
// recordings dir to resolve.
func localURI(arg string) string {
	if strings.HasPrefix(arg, "file://") || filepath.IsAbs(arg) {
		return arg
	}
	if _, err := os.Stat(arg); err == nil {
		if abs, err := filepath.Abs(arg); err == nil {
			return abs
		}
	}
	return arg
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var statuses []string
	var session string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.RecordingFilter{SessionID: session}
			for _, s := range statuses {
				st := models.RecordingStatus(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			return opts.withApp(cmd, func(_ context.Context, app *App) error {
				recs := app.Engine.GetRecordingsByFilter(filter)
				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No recordings queued")
					return nil
				}
				printRecordings(out, recs)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (pending, uploading, completed, failed)")
	cmd.Flags().StringVar(&session, "session", "", "only this session")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(_ context.Context, app *App) error {
				printStats(cmd.OutOrStdout(), app.Engine.GetQueueStats())
				return nil
			})
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent upload attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(_ context.Context, app *App) error {
				entries := app.Engine.GetUploadHistory(limit)
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No upload attempts yet")
					return nil
				}
				printHistory(out, entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to show, 0 for all")
	return cmd
}

func newAuditCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit <recording-id>",
		Short: "Show the dream link and lifecycle events kept in Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if app.Uploads == nil {
					return errors.New("audit trail needs POSTGRES_DSN")
				}
				out := cmd.OutOrStdout()
				link, err := app.Uploads.GetUpload(ctx, args[0])
				switch {
				case errors.Is(err, store.ErrNotFound):
					fmt.Fprintln(out, "not uploaded")
				case err != nil:
					return err
				case link.DreamID != nil:
					fmt.Fprintf(out, "dream %s, uploaded %s\n", *link.DreamID, humanize.Time(link.UploadedAt))
				default:
					fmt.Fprintf(out, "uploaded %s\n", humanize.Time(link.UploadedAt))
				}

				entries, err := app.Uploads.ListAudit(ctx, args[0], limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "WHEN\tEVENT\tDETAIL")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Timestamp.Format(time.DateTime), e.Event, truncate(e.Detail, 80))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "events to show")
	return cmd
}

func newProcessCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Upload every pending recording now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				return runPass(ctx, cmd, app)
			})
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Retry failed recordings, or a single one by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					moved, err := app.Engine.RetryFailedRecordings(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "requeued %d recording(s)\n", moved)
					printStats(out, app.Engine.GetQueueStats())
					return nil
				}
				rec, err := app.Engine.RetryRecording(ctx, args[0], reset)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "requeued %s (retry %d of %d)\n", rec.ID, rec.RetryCount, rec.MaxRetries)
				return runPass(ctx, cmd, app)
			})
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the retry count")
	return cmd
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a recording and delete its local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Engine.RemoveRecording(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	var completed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all recordings, or only completed ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				clearFn := app.Engine.ClearAllRecordings
				if completed {
					clearFn = app.Engine.ClearCompletedRecordings
				}
				n, err := clearFn(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d recording(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&completed, "completed", false, "only remove completed recordings")
	return cmd
}

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	var (
		maxRetries int
		batchSize  int
		wifiOnly   bool
		autoRetry  bool
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change queue settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return opts.withApp(cmd, func(ctx context.Context, app *App) error {
				next := app.Engine.Settings()
				changed := false
				if flags.Changed("max-retries") {
					next.MaxRetries, changed = maxRetries, true
				}
				if flags.Changed("batch-size") {
					next.BatchSize, changed = batchSize, true
				}
				if flags.Changed("wifi-only") {
					next.WifiOnlyMode, changed = wifiOnly, true
				}
				if flags.Changed("auto-retry") {
					next.AutoRetryEnabled, changed = autoRetry, true
				}
				if changed {
					if err := app.Engine.UpdateSettings(ctx, next); err != nil {
						return err
					}
				}
				s := app.Engine.Settings()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "max retries:  %d\n", s.MaxRetries)
				fmt.Fprintf(out, "batch size:   %d\n", s.BatchSize)
				fmt.Fprintf(out, "wifi only:    %t\n", s.WifiOnlyMode)
				fmt.Fprintf(out, "auto retry:   %t\n", s.AutoRetryEnabled)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "attempts before a recording stays failed")
	cmd.Flags().IntVar(&batchSize, "batch-size", 3, "recordings per batch")
	cmd.Flags().BoolVar(&wifiOnly, "wifi-only", false, "never upload over cellular")
	cmd.Flags().BoolVar(&autoRetry, "auto-retry", true, "process and retry automatically")
	return cmd
}

// runPass uploads everything pending, drawing progress on stderr.
func runPass(ctx context.Context, cmd *cobra.Command, app *App) error {
	progress, cancel := app.Engine.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		errOut := cmd.ErrOrStderr()
		for cu := range progress {
			if cu.RecordingID == "" {
				continue
			}
			fmt.Fprintf(errOut, "\r%s %5.1f%% %s/s   ", shortID(cu.RecordingID), cu.Progress.Percentage, humanize.IBytes(uint64(cu.Progress.Speed)))
		}
	}()

	err := app.Engine.ProcessQueue(ctx)
	cancel()
	<-done
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	printStats(cmd.OutOrStdout(), app.Engine.GetQueueStats())
	return nil
}

func printRecordings(out io.Writer, recs []models.QueuedRecording) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tSIZE\tRETRIES\tRECORDED\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID,
			r.Status,
			r.Priority,
			humanize.IBytes(uint64(r.FileSizeBytes)),
			r.RetryCount, r.MaxRetries,
			humanize.Time(r.RecordedAt),
			truncate(r.Error, 60),
		)
	}
	_ = tw.Flush()
}

func printStats(out io.Writer, st models.QueueStats) {
	fmt.Fprintf(out, "pending %d, uploading %d, completed %d, failed %d (%d total)\n",
		st.Pending, st.Uploading, st.Completed, st.Failed, st.Total)
	fmt.Fprintf(out, "waiting to upload: %s of %s\n",
		humanize.IBytes(uint64(st.TotalPendingSizeBytes)), humanize.IBytes(uint64(st.TotalSizeBytes)))
	if st.SuccessRate > 0 || st.AverageUploadTimeMs > 0 {
		fmt.Fprintf(out, "success rate %.0f%%, average upload %s\n",
			st.SuccessRate*100, (time.Duration(st.AverageUploadTimeMs) * time.Millisecond).Round(time.Millisecond))
	}
}

func printHistory(out io.Writer, entries []models.UploadHistoryEntry) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tRECORDING\tRESULT\tSIZE\tDURATION\tERROR")
	for _, h := range entries {
		result := "ok"
		if !h.Success {
			result = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(h.Timestamp),
			shortID(h.RecordingID),
			result,
			humanize.IBytes(uint64(h.FileSizeBytes)),
			time.Duration(h.DurationMs)*time.Millisecond,
			truncate(h.Error, 60),
		)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
