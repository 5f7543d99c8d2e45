package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/mango-archiver/internal/core"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/selection"
)

var downloadCmd = &cobra.Command{
	Use:   "download <provider> <manga-url>",
	Short: "Download a manga into a local archive",
	Long: `Download a manga in this process. The manga url is the one printed by
the provider's search results, e.g. "/manga/<id>" for mangadex.
Press Ctrl-C to cancel; chapters already flushed are kept for the next run.
While running, the task can be controlled with pause/resume/skip/cancel.`,
	Args: cobra.ExactArgs(2),
	RunE: runDownloadCmd,
}

var downloadFlags struct {
	all    bool
	branch string
	first  int
	unread int
	format string
	dest   string
}

func init() {
	f := downloadCmd.Flags()
	f.BoolVar(&downloadFlags.all, "all", false, "download every chapter (default)")
	f.StringVar(&downloadFlags.branch, "branch", "", "restrict to one translation branch")
	f.IntVar(&downloadFlags.first, "first", 0, "download the first N chapters of --branch")
	f.IntVar(&downloadFlags.unread, "unread", 0, "download N chapters from the current one")
	f.StringVar(&downloadFlags.format, "format", "", "archive format: cbz or dir")
	f.StringVar(&downloadFlags.dest, "dest", "", "destination directory")
	downloadCmd.MarkFlagsMutuallyExclusive("all", "first", "unread")
	rootCmd.AddCommand(downloadCmd)
}

// downloadRequest is a parsed download command line.
type downloadRequest struct {
	Provider  string
	URL       string
	Selection selection.Request
	Format    models.ArchiveFormat
	Dest      string
}

func selectionFromFlags() selection.Request {
	switch {
	case downloadFlags.first > 0:
		return selection.Request{Type: selection.KindFirst, Count: downloadFlags.first, Branch: downloadFlags.branch}
	case downloadFlags.unread > 0:
		return selection.Request{Type: selection.KindUnread, Count: downloadFlags.unread}
	case downloadFlags.branch != "" && !downloadFlags.all:
		return selection.Request{Type: selection.KindWholeBranch, Branch: downloadFlags.branch}
	default:
		return selection.Request{Type: selection.KindWholeManga}
	}
}

func runDownloadCmd(cmd *cobra.Command, args []string) error {
	format, err := models.ParseArchiveFormat(downloadFlags.format, "")
	if err != nil {
		return err
	}
	app, err := openApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer app.Close()

	interrupt, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDownload(interrupt, app, downloadRequest{
		Provider:  args[0],
		URL:       args[1],
		Selection: selectionFromFlags(),
		Format:    format,
		Dest:      downloadFlags.dest,
	}, cmd.OutOrStdout())
}

// runDownload schedules the request on app and drives it to completion,
// printing progress to out. Cancelling interrupt cancels the download.
func runDownload(interrupt context.Context, app *core.App, req downloadRequest, out io.Writer) error {
	provider, ok := app.Providers().Get(req.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q", req.Provider)
	}
	current, err := app.Store().GetCurrentChapters()
	if err != nil {
		return err
	}
	macro, err := req.Selection.Build(current)
	if err != nil {
		return err
	}

	manga, err := provider.GetDetails(interrupt, &models.Manga{URL: req.URL, Source: provider.GetInfo().ID})
	if err != nil {
		return fmt.Errorf("failed to get manga details: %w", err)
	}

	// The app keeps running after an interrupt so the cancellation is
	// recorded before shutdown.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(runCtx); err != nil {
		return err
	}

	ids, err := app.Downloads().Schedule(manga, models.DownloadTask{
		MangaID:     manga.ID,
		ChapterIDs:  macro.Resolve(manga.ID, manga.Chapters),
		Destination: req.Dest,
		Format:      req.Format,
	})
	if err != nil {
		return err
	}
	id := ids[0]
	fmt.Fprintf(out, "Downloading %s (task %s)\n", manga.Title, id)

	rec, err := follow(interrupt, app, id, out)
	if err != nil {
		return err
	}
	switch rec.Status {
	case models.StatusCompleted:
		fmt.Fprintln(out, rec.Message)
		return nil
	case models.StatusCancelled:
		return errors.New("download cancelled")
	default:
		return fmt.Errorf("download %s: %s", rec.Status, rec.Message)
	}
}

// follow prints the progress of a task until it is final. An interrupt
// cancels the task.
func follow(interrupt context.Context, app *core.App, id string, out io.Writer) (*models.DownloadRecord, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	done := interrupt.Done()
	last := ""
	for {
		select {
		case <-done:
			done = nil
			fmt.Fprintln(out, "Cancelling...")
			if err := app.Downloads().Cancel(id); err != nil {
				return nil, err
			}
		case <-ticker.C:
		}

		rec, err := app.Downloads().Get(id)
		if err != nil {
			return nil, err
		}
		if line := progressLine(rec); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if rec.Status.IsFinal() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return app.Downloads().Await(ctx, id)
		}
	}
}

func progressLine(rec *models.DownloadRecord) string {
	if rec.State == nil || rec.Status.IsFinal() {
		return fmt.Sprintf("[%s] %s", rec.Status, rec.Message)
	}
	s := rec.State
	if s.Percent() < 0 {
		return fmt.Sprintf("[%s] preparing", rec.Status)
	}
	line := fmt.Sprintf("[%s] chapter %d/%d, page %d/%d (%.0f%%)",
		rec.Status, s.CurrentChapter+1, s.TotalChapters, s.CurrentPage, s.TotalPages, s.Percent())
	if s.ETA > 0 {
		line += fmt.Sprintf(", %s left", s.ETA.Round(time.Second))
	}
	if s.Error != "" {
		line += ": " + s.Error
	}
	return line
}
