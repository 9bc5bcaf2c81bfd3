package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"seatplan/layout-server/internal/model"
	"seatplan/layout-server/internal/store"
)

type seedOptions struct {
	dbPath    string
	name      string
	day       string
	tables    int
	perTable  int
	projectID string
}

func newSeedCmd() *cobra.Command {
	opts := seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a demo project with tables, room items, guests and a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", defaultDatabasePath(), "sqlite database path")
	cmd.Flags().StringVar(&opts.name, "name", "Demo Wedding", "project name")
	cmd.Flags().StringVar(&opts.day, "day", time.Now().AddDate(0, 3, 0).Format("2006-01-02"), "wedding date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.tables, "tables", 6, "number of round tables")
	cmd.Flags().IntVar(&opts.perTable, "guests-per-table", 8, "guests seated at each table")
	cmd.Flags().StringVar(&opts.projectID, "project-id", "", "project id (generated when empty)")

	return cmd
}

func runSeed(cmd *cobra.Command, opts seedOptions) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)
	out := cmd.OutOrStdout()

	day, err := time.Parse("2006-01-02", opts.day)
	if err != nil {
		return fmt.Errorf("invalid --day: %w", err)
	}
	if opts.tables < 0 || opts.perTable < 0 {
		return fmt.Errorf("--tables and --guests-per-table must not be negative")
	}

	db, err := store.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	data := demoProject(opts.projectID, opts.name, day, opts.tables, opts.perTable, uuid.NewString)
	logger.Debug("seeding project", "project", data.project.ID, "db", opts.dbPath)

	if err := db.UpsertProject(ctx, data.project); err != nil {
		return err
	}
	for i, t := range data.tables {
		if err := db.UpsertTable(ctx, t, i); err != nil {
			return err
		}
	}
	for i, it := range data.roomItems {
		if err := db.UpsertRoomItem(ctx, it, i); err != nil {
			return err
		}
	}
	for _, g := range data.guests {
		if err := db.UpsertGuest(ctx, g); err != nil {
			return err
		}
	}
	for _, ev := range data.events {
		if err := db.UpsertScheduleEvent(ctx, ev); err != nil {
			return err
		}
	}

	printSuccess(out, "Seeded project %s", styleValue.Render(data.project.Name))
	printKeyValue(out, "project", data.project.ID)
	printKeyValue(out, "date", day.Format("2006-01-02"))
	printDetail(out, "%d tables · %d room items · %d guests · %d events",
		len(data.tables), len(data.roomItems), len(data.guests), len(data.events))
	return nil
}

type seedData struct {
	project   model.Project
	tables    []model.Table
	roomItems []model.RoomItem
	guests    []model.GuestSeat
	events    []model.ScheduleEvent
}

// demoProject lays tables out in rows of three around a dance floor and
// builds a wedding-day timeline that contains one overlap and one long idle
// stretch, so schedule reports have something to show.
func demoProject(projectID, name string, day time.Time, tables, perTable int, newID func() string) seedData {
	if projectID == "" {
		projectID = newID()
	}
	d := seedData{project: model.Project{ID: projectID, Name: name, WeddingDate: day}}

	const (
		tableSize = 120.0
		spacing   = 60.0
		perRow    = 3
		originX   = 100.0
		originY   = 400.0
	)

	for i := 0; i < tables; i++ {
		row, col := i/perRow, i%perRow
		t := model.Table{
			ID:        newID(),
			ProjectID: projectID,
			Name:      fmt.Sprintf("Table %d", i+1),
			Shape:     model.ShapeRound,
			Capacity:  perTable,
			Geometry: model.Geometry{
				PosX:   originX + float64(col)*(tableSize+spacing),
				PosY:   originY + float64(row)*(tableSize+spacing),
				Width:  tableSize,
				Height: tableSize,
			},
		}
		d.tables = append(d.tables, t)

		for seat := 1; seat <= perTable; seat++ {
			tableID, seatNumber := t.ID, seat
			d.guests = append(d.guests, model.GuestSeat{
				GuestID:    newID(),
				ProjectID:  projectID,
				Name:       fmt.Sprintf("Guest %d-%d", i+1, seat),
				TableID:    &tableID,
				SeatNumber: &seatNumber,
			})
		}
	}

	d.roomItems = []model.RoomItem{
		{ID: newID(), ProjectID: projectID, ItemType: "dance_floor", Label: "Dance floor",
			Geometry: model.Geometry{PosX: 160, PosY: 100, Width: 360, Height: 240}},
		{ID: newID(), ProjectID: projectID, ItemType: "stage", Label: "Band",
			Geometry: model.Geometry{PosX: 560, PosY: 100, Width: 200, Height: 120}},
		{ID: newID(), ProjectID: projectID, ItemType: "bar", Label: "Bar",
			Geometry: model.Geometry{PosX: 700, PosY: 400, Width: 80, Height: 240}},
	}

	at := func(hour, minute int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
	}
	event := func(title string, start, end time.Time) model.ScheduleEvent {
		return model.ScheduleEvent{ID: newID(), ProjectID: projectID, Title: title, Start: start, End: &end}
	}
	d.events = []model.ScheduleEvent{
		event("Ceremony", at(14, 0), at(14, 45)),
		event("Group photos", at(14, 30), at(15, 15)),
		event("Cocktail hour", at(15, 15), at(16, 15)),
		event("Dinner", at(17, 30), at(19, 0)),
		event("First dance", at(19, 0), at(19, 15)),
		{ID: newID(), ProjectID: projectID, Title: "Sparkler exit", Start: at(23, 0)},
	}

	return d
}
