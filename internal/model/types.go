package model

import (
	"fmt"
	"time"
)

// EntityKind discriminates the two positionable layout entities.
type EntityKind string

const (
	KindTable    EntityKind = "table"
	KindRoomItem EntityKind = "roomItem"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindTable || k == KindRoomItem
}

// ParseEntityKind accepts the wire spellings used by clients.
func ParseEntityKind(s string) (EntityKind, error) {
	switch s {
	case "table":
		return KindTable, nil
	case "roomItem", "room_item":
		return KindRoomItem, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// TableShape lists the shapes a table can be drawn with.
type TableShape string

const (
	ShapeRound     TableShape = "round"
	ShapeRectangle TableShape = "rectangle"
	ShapeSquare    TableShape = "square"
	ShapeOval      TableShape = "oval"
)

// Geometry is the positional contract shared by tables and room items, in canvas units.
type Geometry struct {
	PosX     float64 `json:"pos_x"`
	PosY     float64 `json:"pos_y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

// Contains reports whether the canvas point lies inside the unrotated bounding box.
func (g Geometry) Contains(x, y float64) bool {
	return x >= g.PosX && x <= g.PosX+g.Width && y >= g.PosY && y <= g.PosY+g.Height
}

// Table is a seating table on the floor plan.
type Table struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Shape     TableShape `json:"shape"`
	Capacity  int        `json:"capacity"`
	Geometry
}

// RoomItem is a non-seating fixture (dance floor, bar, stage...).
type RoomItem struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ItemType  string `json:"item_type"`
	Label     string `json:"label"`
	Geometry
}

// GuestSeat assigns a guest to at most one table and an optional seat.
type GuestSeat struct {
	GuestID    string  `json:"guest_id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	TableID    *string `json:"table_id,omitempty"`
	SeatNumber *int    `json:"seat_number,omitempty"`
}

// Snapshot is the read-only set of entities an editor session starts from.
type Snapshot struct {
	ProjectID string      `json:"project_id"`
	Tables    []Table     `json:"tables"`
	RoomItems []RoomItem  `json:"room_items"`
	Guests    []GuestSeat `json:"guests"`
}

// PositionUpdate is one pending or persisted entity move.
type PositionUpdate struct {
	ID   string     `json:"id"`
	PosX float64    `json:"pos_x"`
	PosY float64    `json:"pos_y"`
	Kind EntityKind `json:"kind"`
}

// ScheduleEvent is a timestamped item on a wedding-day timeline.
// A zero Start marks the event as malformed.
type ScheduleEvent struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Title     string     `json:"title"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Project is a single wedding plan; every layout entity belongs to one.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WeddingDate time.Time `json:"wedding_date"`
}
