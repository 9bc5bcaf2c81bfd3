package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"seatplan/layout-server/internal/model"
	"seatplan/layout-server/internal/schedule"
	"seatplan/layout-server/internal/store"
)

type scheduleOptions struct {
	dbPath    string
	projectID string
	day       string
	minGap    time.Duration
}

func newScheduleCmd() *cobra.Command {
	opts := scheduleOptions{}

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Report overlapping events and idle gaps for a wedding day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", defaultDatabasePath(), "sqlite database path")
	cmd.Flags().StringVarP(&opts.projectID, "project", "p", "", "project id")
	cmd.Flags().StringVar(&opts.day, "day", "", "day to scan (YYYY-MM-DD, defaults to the wedding date)")
	cmd.Flags().DurationVar(&opts.minGap, "min-gap", schedule.DefaultMinGap, "smallest idle interval to report")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func runSchedule(cmd *cobra.Command, opts scheduleOptions) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	db, err := store.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	project, err := db.Project(ctx, opts.projectID)
	if err != nil {
		return err
	}

	day := project.WeddingDate
	if opts.day != "" {
		day, err = time.Parse("2006-01-02", opts.day)
		if err != nil {
			return fmt.Errorf("invalid --day: %w", err)
		}
	}
	if day.IsZero() {
		return fmt.Errorf("project %s has no wedding date; pass --day", opts.projectID)
	}

	events, err := db.ScheduleEvents(ctx, opts.projectID, day, day.Add(24*time.Hour))
	if err != nil {
		return err
	}
	logger.Debug("loaded schedule", "project", opts.projectID, "events", len(events))

	report := schedule.Scan(events, opts.minGap)
	renderReport(cmd.OutOrStdout(), project.Name, day, events, report)
	return nil
}

// renderReport prints the day's timeline followed by conflicts and gaps.
func renderReport(w io.Writer, projectName string, day time.Time, events []model.ScheduleEvent, report schedule.Report) {
	printTitle(w, fmt.Sprintf("%s · %s", projectName, day.Format("Mon 2 Jan 2006")))

	if len(events) == 0 {
		printInfo(w, "No events scheduled")
		return
	}

	conflicting := make(map[string]bool, len(report.Conflicts))
	for _, id := range report.Conflicts {
		conflicting[id] = true
	}

	for _, ev := range events {
		span := ev.Start.Format("15:04")
		if ev.End != nil {
			span += "–" + ev.End.Format("15:04")
		}
		if conflicting[ev.ID] {
			printError(w, "%s %s", styleDim.Render(span), ev.Title)
		} else {
			printInfo(w, "%s %s", styleDim.Render(span), ev.Title)
		}
	}

	fmt.Fprintln(w)
	if len(report.Conflicts) == 0 {
		printSuccess(w, "No overlapping events")
	} else {
		printWarning(w, "%d events overlap", len(report.Conflicts))
	}

	titles := make(map[string]string, len(events))
	for _, ev := range events {
		titles[ev.ID] = ev.Title
	}
	for _, g := range report.Gaps {
		printWarning(w, "%d min idle between %s and %s", g.Minutes(), titles[g.AfterID], titles[g.BeforeID])
		printDetail(w, "%s – %s", g.Start.Format("15:04"), g.End.Format("15:04"))
	}
	if len(report.Gaps) == 0 {
		printSuccess(w, "No long gaps")
	}
}
