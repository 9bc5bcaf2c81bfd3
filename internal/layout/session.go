package layout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"seatplan/layout-server/internal/model"
	"seatplan/layout-server/internal/savequeue"
	"seatplan/layout-server/internal/viewport"
)

// Gesture is the interpretation chosen for a pointer gesture at its start.
type Gesture int

const (
	GestureNone Gesture = iota
	GesturePan
	GestureDrag
)

func (g Gesture) String() string {
	switch g {
	case GesturePan:
		return "pan"
	case GestureDrag:
		return "drag"
	default:
		return "none"
	}
}

// MarshalText renders the gesture name in JSON.
func (g Gesture) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText parses a gesture name produced by MarshalText.
func (g *Gesture) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none":
		*g = GestureNone
	case "pan":
		*g = GesturePan
	case "drag":
		*g = GestureDrag
	default:
		return fmt.Errorf("unknown gesture %q", b)
	}
	return nil
}

// View is what a rendering client needs after each input.
type View struct {
	SessionID string           `json:"session_id"`
	ProjectID string           `json:"project_id"`
	Viewport  viewport.State   `json:"viewport"`
	Save      savequeue.Status `json:"save"`
	Gesture   Gesture          `json:"gesture"`
	Dragging  string           `json:"dragging,omitempty"`
	OpenedAt  time.Time        `json:"opened_at"`
}

type dragState struct {
	id               string
	entityX, entityY float64
	pointerX         float64
	pointerY         float64
}

// Session is one open layout editor. All pointer input for the session goes
// through PointerDown, PointerMove and PointerUp, which decide pan versus
// entity drag once per gesture by hit-testing at its start.
type Session struct {
	id       string
	opened   time.Time
	logger   *slog.Logger
	model    *Model
	viewport *viewport.Viewport
	saver    *savequeue.Saver

	mu      sync.Mutex
	gesture Gesture
	drag    dragState
}

// SessionOption configures Open.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	id           string
	logger       *slog.Logger
	viewportOpts []viewport.Option
	saverOpts    []savequeue.Option
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) SessionOption {
	return func(c *sessionConfig) { c.id = id }
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = logger }
}

// WithViewport passes options to the session viewport.
func WithViewport(opts ...viewport.Option) SessionOption {
	return func(c *sessionConfig) { c.viewportOpts = append(c.viewportOpts, opts...) }
}

// WithSaver passes options to the session save queue.
func WithSaver(opts ...savequeue.Option) SessionOption {
	return func(c *sessionConfig) { c.saverOpts = append(c.saverOpts, opts...) }
}

// Open starts an editor session over snap, persisting moves through p.
func Open(snap model.Snapshot, p savequeue.Persister, opts ...SessionOption) (*Session, error) {
	cfg := sessionConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	m, err := NewModel(snap)
	if err != nil {
		return nil, fmt.Errorf("build layout model: %w", err)
	}

	logger := cfg.logger.With("session", cfg.id, "project", snap.ProjectID)
	saverOpts := append([]savequeue.Option{savequeue.WithLogger(logger)}, cfg.saverOpts...)

	return &Session{
		id:       cfg.id,
		opened:   time.Now().UTC(),
		logger:   logger,
		model:    m,
		viewport: viewport.New(cfg.viewportOpts...),
		saver:    savequeue.New(p, saverOpts...),
	}, nil
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) ProjectID() string            { return s.model.ProjectID() }
func (s *Session) Model() *Model                { return s.model }
func (s *Session) Viewport() *viewport.Viewport { return s.viewport }

// View returns the camera, save status and active gesture.
func (s *Session) View() View {
	s.mu.Lock()
	g, dragging := s.gesture, ""
	if g == GestureDrag {
		dragging = s.drag.id
	}
	s.mu.Unlock()

	return View{
		SessionID: s.id,
		ProjectID: s.model.ProjectID(),
		Viewport:  s.viewport.State(),
		Save:      s.saver.Status(),
		Gesture:   g,
		Dragging:  dragging,
		OpenedAt:  s.opened,
	}
}

// Snapshot returns the layout including unsaved moves.
func (s *Session) Snapshot() model.Snapshot {
	return s.model.Snapshot()
}

// MoveEntity updates the in-memory position and queues it for saving.
func (s *Session) MoveEntity(id string, x, y float64) error {
	kind, err := s.model.SetPosition(id, x, y)
	if err != nil {
		return err
	}
	return s.saver.Queue(model.PositionUpdate{ID: id, PosX: x, PosY: y, Kind: kind})
}

// Wheel forwards a wheel sample to the viewport.
func (s *Session) Wheel(ev viewport.WheelEvent) {
	s.viewport.OnWheel(ev)
}

// PointerDown starts a gesture. A primary press over an entity starts an
// entity drag; anything else is offered to the viewport as a pan.
func (s *Session) PointerDown(ev viewport.PointerEvent) Gesture {
	s.mu.Lock()
	defer s.mu.Unlock()

	cx, cy := s.viewport.ToCanvas(ev.X, ev.Y)
	hit, ok := s.model.HitTest(cx, cy)

	if ok && ev.Button == viewport.ButtonPrimary {
		s.gesture = GestureDrag
		s.drag = dragState{
			id:       hit.ID,
			entityX:  hit.PosX,
			entityY:  hit.PosY,
			pointerX: ev.X,
			pointerY: ev.Y,
		}
		return s.gesture
	}

	ev.Target = viewport.TargetBackground
	if ok {
		ev.Target = viewport.TargetEntity
	}
	if s.viewport.OnPointerDown(ev) {
		s.gesture = GesturePan
	} else {
		s.gesture = GestureNone
	}
	return s.gesture
}

// PointerMove continues the gesture chosen at PointerDown.
func (s *Session) PointerMove(ev viewport.PointerEvent) error {
	s.mu.Lock()
	g, d := s.gesture, s.drag
	s.mu.Unlock()

	switch g {
	case GesturePan:
		s.viewport.OnPointerMove(ev)
	case GestureDrag:
		zoom := s.viewport.Zoom()
		x := d.entityX + (ev.X-d.pointerX)/zoom
		y := d.entityY + (ev.Y-d.pointerY)/zoom
		return s.MoveEntity(d.id, x, y)
	}
	return nil
}

// PointerUp ends the current gesture, applying the final sample of a drag.
func (s *Session) PointerUp(ev viewport.PointerEvent) error {
	var err error
	if s.currentGesture() == GestureDrag {
		err = s.PointerMove(ev)
	}

	s.mu.Lock()
	s.gesture = GestureNone
	s.drag = dragState{}
	s.mu.Unlock()

	s.viewport.OnPointerUp(ev)
	return err
}

func (s *Session) currentGesture() Gesture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gesture
}

// Flush sends pending moves now.
func (s *Session) Flush(ctx context.Context) error {
	return s.saver.FlushNow(ctx)
}

// Close flushes pending moves and stops accepting new ones.
func (s *Session) Close(ctx context.Context) error {
	err := s.saver.Close(ctx)
	s.logger.Info("layout session closed", "duration", time.Since(s.opened).Round(time.Millisecond), "error", err)
	return err
}

// Abandon drops pending moves without saving and closes the session.
func (s *Session) Abandon() int {
	n := s.saver.Abandon()
	s.logger.Info("layout session abandoned", "discarded", n)
	return n
}
