package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"seatplan/layout-server/internal/model"

	_ "modernc.org/sqlite"
)

// timestampLayout is fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrEntityNotFound fails a position batch that names a missing entity.
	ErrEntityNotFound = errors.New("layout entity not found")
	// ErrProjectNotFound is returned when loading an unknown project.
	ErrProjectNotFound = errors.New("project not found")
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// New wraps an existing handle. Used with alternative drivers in tests.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			wedding_date TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS seating_tables (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			shape TEXT NOT NULL DEFAULT 'round',
			capacity INTEGER NOT NULL DEFAULT 0,
			pos_x REAL NOT NULL DEFAULT 0,
			pos_y REAL NOT NULL DEFAULT 0,
			width REAL NOT NULL DEFAULT 0,
			height REAL NOT NULL DEFAULT 0,
			rotation REAL NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_seating_tables_project ON seating_tables(project_id, sort_order);`,
		`CREATE TABLE IF NOT EXISTS room_items (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			item_type TEXT NOT NULL,
			label TEXT,
			pos_x REAL NOT NULL DEFAULT 0,
			pos_y REAL NOT NULL DEFAULT 0,
			width REAL NOT NULL DEFAULT 0,
			height REAL NOT NULL DEFAULT 0,
			rotation REAL NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_room_items_project ON room_items(project_id, sort_order);`,
		`CREATE TABLE IF NOT EXISTS guests (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			table_id TEXT REFERENCES seating_tables(id) ON DELETE SET NULL,
			seat_number INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_guests_table ON guests(table_id);`,
		`CREATE TABLE IF NOT EXISTS schedule_events (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			start_at TEXT NOT NULL,
			end_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_events_project_start ON schedule_events(project_id, start_at);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// ProjectPositions persists position batches for one project.
type ProjectPositions struct {
	store     *Store
	projectID string
}

// Positions returns a position writer bound to projectID.
func (s *Store) Positions(projectID string) ProjectPositions {
	return ProjectPositions{store: s, projectID: projectID}
}

func (p ProjectPositions) SavePositions(ctx context.Context, updates []model.PositionUpdate) error {
	return p.store.SavePositions(ctx, p.projectID, updates)
}

// SavePositions applies a batch of position updates to entities of projectID
// in one transaction. The whole batch is rolled back if any id does not
// exist in that project.
func (s *Store) SavePositions(ctx context.Context, projectID string, updates []model.PositionUpdate) (err error) {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin position batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := formatTime(time.Now())
	for _, u := range updates {
		var query string
		switch u.Kind {
		case model.KindTable:
			query = `UPDATE seating_tables SET pos_x = ?, pos_y = ?, updated_at = ? WHERE id = ? AND project_id = ?;`
		case model.KindRoomItem:
			query = `UPDATE room_items SET pos_x = ?, pos_y = ?, updated_at = ? WHERE id = ? AND project_id = ?;`
		default:
			return fmt.Errorf("update position %s: unknown kind %q", u.ID, u.Kind)
		}

		res, execErr := tx.ExecContext(ctx, query, u.PosX, u.PosY, now, u.ID, projectID)
		if execErr != nil {
			return fmt.Errorf("update position %s: %w", u.ID, execErr)
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return fmt.Errorf("update position %s: %w", u.ID, raErr)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s", ErrEntityNotFound, u.Kind, u.ID)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit position batch: %w", err)
	}
	return nil
}

// UpsertProject stores or updates a project record.
func (s *Store) UpsertProject(ctx context.Context, p model.Project) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	var date sql.NullString
	if !p.WeddingDate.IsZero() {
		date = sql.NullString{String: p.WeddingDate.Format("2006-01-02"), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, wedding_date) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, wedding_date = excluded.wedding_date;`,
		p.ID, p.Name, date)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// Project loads one project.
func (s *Store) Project(ctx context.Context, id string) (model.Project, error) {
	if s.db == nil {
		return model.Project{}, fmt.Errorf("store not initialized")
	}

	var (
		name string
		date sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT name, wedding_date FROM projects WHERE id = ?;`, id).Scan(&name, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project: %w", err)
	}

	p := model.Project{ID: id, Name: name}
	if date.Valid {
		p.WeddingDate, _ = time.Parse("2006-01-02", date.String)
	}
	return p, nil
}

// UpsertTable stores or replaces a table. sortOrder fixes its draw position.
func (s *Store) UpsertTable(ctx context.Context, t model.Table, sortOrder int) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seating_tables (id, project_id, name, shape, capacity, pos_x, pos_y, width, height, rotation, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				 shape = excluded.shape,
				 capacity = excluded.capacity,
				 pos_x = excluded.pos_x,
				 pos_y = excluded.pos_y,
				 width = excluded.width,
				 height = excluded.height,
				 rotation = excluded.rotation,
				 sort_order = excluded.sort_order;`,
		t.ID, t.ProjectID, t.Name, string(t.Shape), t.Capacity,
		t.PosX, t.PosY, t.Width, t.Height, t.Rotation, sortOrder,
	)
	if err != nil {
		return fmt.Errorf("upsert table: %w", err)
	}
	return nil
}

// UpsertRoomItem stores or replaces a room item.
func (s *Store) UpsertRoomItem(ctx context.Context, it model.RoomItem, sortOrder int) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_items (id, project_id, item_type, label, pos_x, pos_y, width, height, rotation, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET item_type = excluded.item_type,
				 label = excluded.label,
				 pos_x = excluded.pos_x,
				 pos_y = excluded.pos_y,
				 width = excluded.width,
				 height = excluded.height,
				 rotation = excluded.rotation,
				 sort_order = excluded.sort_order;`,
		it.ID, it.ProjectID, it.ItemType, it.Label,
		it.PosX, it.PosY, it.Width, it.Height, it.Rotation, sortOrder,
	)
	if err != nil {
		return fmt.Errorf("upsert room item: %w", err)
	}
	return nil
}

// UpsertGuest stores a guest and their optional seat assignment.
func (s *Store) UpsertGuest(ctx context.Context, g model.GuestSeat) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	var tableID sql.NullString
	if g.TableID != nil {
		tableID = sql.NullString{String: *g.TableID, Valid: true}
	}
	var seat sql.NullInt64
	if g.SeatNumber != nil {
		seat = sql.NullInt64{Int64: int64(*g.SeatNumber), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guests (id, project_id, name, table_id, seat_number) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				 table_id = excluded.table_id,
				 seat_number = excluded.seat_number;`,
		g.GuestID, g.ProjectID, g.Name, tableID, seat,
	)
	if err != nil {
		return fmt.Errorf("upsert guest: %w", err)
	}
	return nil
}

// LoadSnapshot reads every table, room item and guest of a project.
func (s *Store) LoadSnapshot(ctx context.Context, projectID string) (model.Snapshot, error) {
	if s.db == nil {
		return model.Snapshot{}, fmt.Errorf("store not initialized")
	}

	if _, err := s.Project(ctx, projectID); err != nil {
		return model.Snapshot{}, err
	}

	snap := model.Snapshot{ProjectID: projectID}

	tables, err := s.tables(ctx, projectID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.Tables = tables

	items, err := s.roomItems(ctx, projectID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.RoomItems = items

	guests, err := s.guests(ctx, projectID)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.Guests = guests

	return snap, nil
}

func (s *Store) tables(ctx context.Context, projectID string) ([]model.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, shape, capacity, pos_x, pos_y, width, height, rotation
		 FROM seating_tables WHERE project_id = ? ORDER BY sort_order, id;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := []model.Table{}
	for rows.Next() {
		t := model.Table{ProjectID: projectID}
		var shape string
		if err := rows.Scan(&t.ID, &t.Name, &shape, &t.Capacity, &t.PosX, &t.PosY, &t.Width, &t.Height, &t.Rotation); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.Shape = model.TableShape(shape)
		tables = append(tables, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (s *Store) roomItems(ctx context.Context, projectID string) ([]model.RoomItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_type, label, pos_x, pos_y, width, height, rotation
		 FROM room_items WHERE project_id = ? ORDER BY sort_order, id;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query room items: %w", err)
	}
	defer rows.Close()

	items := []model.RoomItem{}
	for rows.Next() {
		it := model.RoomItem{ProjectID: projectID}
		var label sql.NullString
		if err := rows.Scan(&it.ID, &it.ItemType, &label, &it.PosX, &it.PosY, &it.Width, &it.Height, &it.Rotation); err != nil {
			return nil, fmt.Errorf("scan room item: %w", err)
		}
		it.Label = label.String
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room items: %w", err)
	}
	return items, nil
}

func (s *Store) guests(ctx context.Context, projectID string) ([]model.GuestSeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, table_id, seat_number FROM guests WHERE project_id = ? ORDER BY name, id;`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query guests: %w", err)
	}
	defer rows.Close()

	guests := []model.GuestSeat{}
	for rows.Next() {
		var (
			g       = model.GuestSeat{ProjectID: projectID}
			tableID sql.NullString
			seat    sql.NullInt64
		)
		if err := rows.Scan(&g.GuestID, &g.Name, &tableID, &seat); err != nil {
			return nil, fmt.Errorf("scan guest: %w", err)
		}
		if tableID.Valid {
			id := tableID.String
			g.TableID = &id
		}
		if seat.Valid {
			n := int(seat.Int64)
			g.SeatNumber = &n
		}
		guests = append(guests, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guests: %w", err)
	}
	return guests, nil
}

// UpsertScheduleEvent stores a timeline event.
func (s *Store) UpsertScheduleEvent(ctx context.Context, ev model.ScheduleEvent) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if ev.Start.IsZero() {
		return fmt.Errorf("upsert schedule event %s: start time required", ev.ID)
	}

	var end sql.NullString
	if ev.End != nil {
		end = sql.NullString{String: formatTime(*ev.End), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_events (id, project_id, title, start_at, end_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title,
				 start_at = excluded.start_at,
				 end_at = excluded.end_at;`,
		ev.ID, ev.ProjectID, ev.Title, formatTime(ev.Start), end,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule event: %w", err)
	}
	return nil
}

// ScheduleEvents returns a project's events starting within [from, to), ordered by start.
func (s *Store) ScheduleEvents(ctx context.Context, projectID string, from, to time.Time) ([]model.ScheduleEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, start_at, end_at FROM schedule_events
		 WHERE project_id = ? AND start_at >= ? AND start_at < ?
		 ORDER BY start_at ASC, id ASC;`,
		projectID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("query schedule events: %w", err)
	}
	defer rows.Close()

	var events []model.ScheduleEvent
	for rows.Next() {
		var (
			ev       = model.ScheduleEvent{ProjectID: projectID}
			startStr string
			endStr   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Title, &startStr, &endStr); err != nil {
			return nil, fmt.Errorf("scan schedule event: %w", err)
		}
		ev.Start = parseTime(startStr)
		if endStr.Valid && endStr.String != "" {
			end := parseTime(endStr.String)
			ev.End = &end
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule events: %w", err)
	}
	return events, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all persisted configuration entries ordered by key.
func (s *Store) AppConfig(ctx context.Context) ([]model.AppConfigEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config ORDER BY key;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	entries := []model.AppConfigEntry{}
	for rows.Next() {
		var e model.AppConfigEntry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return entries, nil
}

// DeleteProject removes a project and, through foreign keys, everything in it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
