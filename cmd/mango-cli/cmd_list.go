package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/mango-archiver/internal/archive"
	"github.com/vrsandeep/mango-archiver/internal/models"
)

var listStatuses []string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List download tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(io.Discard)
		if err != nil {
			return err
		}
		defer app.Close()

		var statuses []models.TaskStatus
		for _, s := range listStatuses {
			statuses = append(statuses, models.TaskStatus(s))
		}
		records, err := app.Downloads().List(statuses...)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No downloads.")
			return nil
		}
		return printTasks(cmd.OutOrStdout(), records, func(id int64) string {
			if m, err := app.Store().GetManga(id); err == nil {
				return m.Title
			}
			return fmt.Sprint(id)
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <archive-path>",
	Short: "Show the manga and chapters stored in an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, _, err := archive.ReadIndex(args[0])
		if err != nil {
			return fmt.Errorf("failed to read archive index: %w", err)
		}
		manga, err := archive.Load(args[0])
		if err != nil {
			return err
		}
		printArchive(cmd.OutOrStdout(), idx, manga)
		return nil
	},
}

func init() {
	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "only list tasks in these statuses")
	rootCmd.AddCommand(listCmd, infoCmd)
}

func printTasks(out io.Writer, records []*models.DownloadRecord, title func(int64) string) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMANGA\tSTATUS\tCHAPTERS\tUPDATED\tMESSAGE")
	for _, rec := range records {
		chapters := "all"
		if rec.Task.ChapterIDs != nil {
			chapters = fmt.Sprintf("%d/%d", len(rec.DownloadedChapters), len(rec.Task.ChapterIDs))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, title(rec.MangaID), rec.Status, chapters, rec.UpdatedAt.Local().Format(time.DateTime), rec.Message)
	}
	return tw.Flush()
}

func printArchive(out io.Writer, idx *archive.Index, manga *models.Manga) {
	fmt.Fprintf(out, "Title:   %s\n", manga.Title)
	fmt.Fprintf(out, "Source:  %s (%s)\n", manga.Source, manga.URL)
	fmt.Fprintf(out, "Format:  %s %s\n", idx.AppID, idx.Version)
	if manga.Author != "" {
		fmt.Fprintf(out, "Author:  %s\n", manga.Author)
	}
	fmt.Fprintf(out, "Chapters: %d\n", len(manga.Chapters))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ch := range manga.Chapters {
		fmt.Fprintf(tw, "  %g\t%s\t%s\n", ch.Number, ch.Name, ch.Branch)
	}
	tw.Flush()
}
