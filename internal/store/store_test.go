package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatplan/layout-server/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "seatplan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func seedProject(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.UpsertProject(ctx, model.Project{
		ID: "p1", Name: "Ada & Bo", WeddingDate: time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.UpsertTable(ctx, model.Table{
		ID: "t2", ProjectID: "p1", Name: "Family", Shape: model.ShapeRound, Capacity: 10,
		Geometry: model.Geometry{PosX: 300, PosY: 100, Width: 80, Height: 80},
	}, 1))
	require.NoError(t, s.UpsertTable(ctx, model.Table{
		ID: "t1", ProjectID: "p1", Name: "Head", Shape: model.ShapeRectangle, Capacity: 8,
		Geometry: model.Geometry{PosX: 100, PosY: 100, Width: 160, Height: 60, Rotation: 90},
	}, 0))
	require.NoError(t, s.UpsertRoomItem(ctx, model.RoomItem{
		ID: "bar", ProjectID: "p1", ItemType: "bar", Label: "Bar",
		Geometry: model.Geometry{PosX: 10, PosY: 500, Width: 200, Height: 40},
	}, 0))

	t1 := "t1"
	seat := 2
	require.NoError(t, s.UpsertGuest(ctx, model.GuestSeat{GuestID: "g1", ProjectID: "p1", Name: "Ada", TableID: &t1, SeatNumber: &seat}))
	require.NoError(t, s.UpsertGuest(ctx, model.GuestSeat{GuestID: "g2", ProjectID: "p1", Name: "Zed"}))
}

func TestLoadSnapshot(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s)

	snap, err := s.LoadSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	require.Len(t, snap.Tables, 2)
	assert.Equal(t, "t1", snap.Tables[0].ID, "sort order drives draw order")
	assert.Equal(t, model.ShapeRectangle, snap.Tables[0].Shape)
	assert.Equal(t, 90.0, snap.Tables[0].Rotation)
	assert.Equal(t, 8, snap.Tables[0].Capacity)

	require.Len(t, snap.RoomItems, 1)
	assert.Equal(t, "Bar", snap.RoomItems[0].Label)

	require.Len(t, snap.Guests, 2)
	require.NotNil(t, snap.Guests[0].TableID)
	assert.Equal(t, "t1", *snap.Guests[0].TableID)
	assert.Equal(t, 2, *snap.Guests[0].SeatNumber)
	assert.Nil(t, snap.Guests[1].TableID)
}

func TestLoadSnapshot_UnknownProject(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestSavePositions_AppliesBatch(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s)
	ctx := context.Background()

	err := s.SavePositions(ctx, "p1", []model.PositionUpdate{
		{ID: "t1", PosX: 11, PosY: 22, Kind: model.KindTable},
		{ID: "bar", PosX: 33, PosY: 44, Kind: model.KindRoomItem},
	})
	require.NoError(t, err)

	snap, err := s.LoadSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 11.0, snap.Tables[0].PosX)
	assert.Equal(t, 22.0, snap.Tables[0].PosY)
	assert.Equal(t, 160.0, snap.Tables[0].Width)
	assert.Equal(t, 33.0, snap.RoomItems[0].PosX)
	assert.Equal(t, 44.0, snap.RoomItems[0].PosY)
}

func TestSavePositions_UnknownIDRollsBackWholeBatch(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s)
	ctx := context.Background()

	err := s.SavePositions(ctx, "p1", []model.PositionUpdate{
		{ID: "t1", PosX: 999, PosY: 999, Kind: model.KindTable},
		{ID: "t1", PosX: 1, PosY: 1, Kind: model.KindRoomItem}, // wrong kind: no such room item
	})
	require.ErrorIs(t, err, ErrEntityNotFound)

	snap, err := s.LoadSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Tables[0].PosX)
}

func TestSavePositions_ScopedToProject(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s)
	ctx := context.Background()
	require.NoError(t, s.UpsertProject(ctx, model.Project{ID: "p2", Name: "Other wedding"}))

	err := s.SavePositions(ctx, "p2", []model.PositionUpdate{
		{ID: "t1", PosX: 7, PosY: 7, Kind: model.KindTable},
	})
	require.ErrorIs(t, err, ErrEntityNotFound)

	err = s.Positions("p2").SavePositions(ctx, []model.PositionUpdate{
		{ID: "bar", PosX: 7, PosY: 7, Kind: model.KindRoomItem},
	})
	require.ErrorIs(t, err, ErrEntityNotFound)

	snap, err := s.LoadSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Tables[0].PosX)
	assert.NotEqual(t, 7.0, snap.RoomItems[0].PosX)

	require.NoError(t, s.Positions("p1").SavePositions(ctx, []model.PositionUpdate{
		{ID: "bar", PosX: 7, PosY: 8, Kind: model.KindRoomItem},
	}))
	snap, err = s.LoadSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, snap.RoomItems[0].PosX)
}

func TestSavePositions_EmptyBatchIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, New(db).SavePositions(context.Background(), "p1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePositions_ExecErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE seating_tables`).
		WithArgs(1.5, 2.5, sqlmock.AnyArg(), "t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE room_items`).
		WithArgs(3.0, 4.0, sqlmock.AnyArg(), "r1", "p1").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = New(db).SavePositions(context.Background(), "p1", []model.PositionUpdate{
		{ID: "t1", PosX: 1.5, PosY: 2.5, Kind: model.KindTable},
		{ID: "r1", PosX: 3, PosY: 4, Kind: model.KindRoomItem},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePositions_CommitsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE seating_tables`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE seating_tables`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = New(db).SavePositions(context.Background(), "p1", []model.PositionUpdate{
		{ID: "a", Kind: model.KindTable},
		{ID: "b", Kind: model.KindTable},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleEvents_FiltersByDay(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s)
	ctx := context.Background()

	day := time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)
	end := day.Add(11 * time.Hour)
	require.NoError(t, s.UpsertScheduleEvent(ctx, model.ScheduleEvent{ID: "b", ProjectID: "p1", Title: "Toast", Start: day.Add(12 * time.Hour)}))
	require.NoError(t, s.UpsertScheduleEvent(ctx, model.ScheduleEvent{ID: "a", ProjectID: "p1", Title: "Ceremony", Start: day.Add(10 * time.Hour), End: &end}))
	require.NoError(t, s.UpsertScheduleEvent(ctx, model.ScheduleEvent{ID: "c", ProjectID: "p1", Title: "Brunch", Start: day.Add(34 * time.Hour)}))

	assert.Error(t, s.UpsertScheduleEvent(ctx, model.ScheduleEvent{ID: "d", ProjectID: "p1", Title: "No start"}))

	events, err := s.ScheduleEvents(ctx, "p1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.True(t, events[0].Start.Equal(day.Add(10*time.Hour)))
	require.NotNil(t, events[0].End)
	assert.True(t, events[0].End.Equal(end))
	assert.Equal(t, "b", events[1].ID)
	assert.Nil(t, events[1].End)
}

func TestDeleteProjectCascades(t *testing.T) {
	s := openTestStore(t)
	seedProject(t, s)
	ctx := context.Background()

	require.NoError(t, s.DeleteProject(ctx, "p1"))

	err := s.SavePositions(ctx, "p1", []model.PositionUpdate{{ID: "t1", Kind: model.KindTable}})
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestAppConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAppConfig(ctx, "save_debounce", "500ms"))
	require.NoError(t, s.UpsertAppConfig(ctx, "save_debounce", "750ms"))
	require.NoError(t, s.UpsertAppConfig(ctx, "default_zoom", "0.8"))

	entries, err := s.AppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.AppConfigEntry{
		{Key: "default_zoom", Value: "0.8"},
		{Key: "save_debounce", Value: "750ms"},
	}, entries)
}
