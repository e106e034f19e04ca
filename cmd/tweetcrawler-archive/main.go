// Package main implements the tweetcrawler-archive binary: one archive pass
// run to completion, meant for cron.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tweetcrawler/tweetcrawler/internal/app"
	"github.com/tweetcrawler/tweetcrawler/internal/config"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/manifest"
)

func main() {
	configFile := flag.StringP("config", "c", "", "Path to configuration file")
	workingDir := flag.String("working-dir", "", "Directory holding hour files and archives")
	keepDays := flag.Int("keep-days", -1, "Days to keep uploaded archives locally (0 keeps forever)")
	dedup := flag.Bool("dedup", false, "Remove duplicate records before archiving")
	list := flag.Bool("list", false, "Print the archive catalog and the remote objects, then exit")
	dryRun := flag.Bool("dry-run", false, "Report what the retention sweep would delete and exit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	config.LoadFromEnv(cfg)

	cfg.Mode = config.ModeArchive
	if *workingDir != "" {
		cfg.WorkingDir = *workingDir
	}
	if *keepDays >= 0 {
		cfg.Retention.KeepDays = *keepDays
	}
	if *dedup {
		cfg.Archive.Deduplicate = true
	}

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(app.ExitCode(err))
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, application, *list, *dryRun); err != nil {
		log := logging.Logger()
		log.Error().Err(err).Msg("archive pass failed")
		application.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, application *app.App, list, dryRun bool) error {
	if list {
		if catalog := application.Catalog(); catalog != nil {
			recs, err := catalog.ListArchives(ctx)
			if err != nil {
				return err
			}
			printCatalog(out, recs)
			fmt.Fprintln(out)
		}
		objects, err := application.ListRemote(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d remote objects\n", len(objects))
		for _, obj := range objects {
			fmt.Fprintln(out, obj)
		}
		return nil
	}

	pass, err := application.NewPass(ctx)
	if err != nil {
		return err
	}

	if dryRun {
		res, err := pass.Sweeper.DryRun(ctx, time.Now())
		if err != nil {
			return err
		}
		for _, name := range res.Archives {
			fmt.Fprintf(out, "would delete %s\n", name)
		}
		for _, name := range res.Orphans {
			fmt.Fprintf(out, "would remove orphaned marker for %s\n", name)
		}
		fmt.Fprintf(out, "%d archives kept\n", res.Kept)
		return nil
	}

	res, err := pass.RunOnce(ctx)
	if res != nil {
		log := logging.Logger()
		log.Info().
			Str("pass_id", res.ID).
			Dur("duration", res.Duration).
			Msg("archive pass complete")
	}
	return err
}

func printCatalog(w io.Writer, recs []manifest.ArchiveRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARCHIVE\tSTATE\tSIZE\tENTRIES\tDUPS\tBUILT\tUPLOADED\tOBJECT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.Name, r.State, r.SizeBytes, r.Entries, r.DuplicatesRemoved,
			formatTime(r.BuiltAt), formatTime(r.UploadedAt), r.ObjectPath)
	}
	tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
