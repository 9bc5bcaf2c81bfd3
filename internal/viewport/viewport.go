// Package viewport implements the pan/zoom camera of the layout editor.
//
// Canvas and screen coordinates are related by
//
//	screen = (canvas + pan) * zoom
//
// so every screen-space displacement is divided by zoom before it is applied
// to pan. Zoom is clamped on every mutation; there is no error path for an
// out-of-range request.
package viewport

import (
	"math"
	"sync"
)

const (
	DefaultMinZoom  = 0.25
	DefaultMaxZoom  = 2.0
	DefaultZoomStep = 0.1
	DefaultZoom     = 0.8
)

// Button identifies the pointer button that produced an event.
type Button int

const (
	ButtonPrimary Button = iota
	ButtonMiddle
	ButtonSecondary
)

// Target classifies what was under the pointer when an event was produced.
type Target int

const (
	TargetEntity Target = iota
	TargetBackground
)

// PointerEvent is a screen-space pointer sample.
type PointerEvent struct {
	PointerID int     `json:"pointer_id"`
	Button    Button  `json:"button"`
	Target    Target  `json:"target"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// WheelEvent is a screen-space wheel sample. Modifier is true when the zoom
// modifier key (ctrl/cmd) was held.
type WheelEvent struct {
	DeltaX   float64 `json:"delta_x"`
	DeltaY   float64 `json:"delta_y"`
	Modifier bool    `json:"modifier"`
}

// Capturer routes all motion of one pointer to the viewport container until
// released. In a DOM host this is setPointerCapture on the container element.
type Capturer interface {
	Capture(pointerID int)
	Release(pointerID int)
}

// State is what a rendering layer needs to apply translate/scale.
type State struct {
	Zoom      float64 `json:"zoom"`
	PanX      float64 `json:"pan_x"`
	PanY      float64 `json:"pan_y"`
	IsPanning bool    `json:"is_panning"`
}

// Option configures a Viewport.
type Option func(*Viewport)

// WithBounds overrides the zoom bounds. Inverted bounds are swapped.
func WithBounds(minZoom, maxZoom float64) Option {
	return func(v *Viewport) {
		if minZoom > maxZoom {
			minZoom, maxZoom = maxZoom, minZoom
		}
		if minZoom > 0 {
			v.minZoom = minZoom
			v.maxZoom = maxZoom
		}
	}
}

// WithStep overrides the zoom increment used by ZoomIn, ZoomOut and wheel zoom.
func WithStep(step float64) Option {
	return func(v *Viewport) {
		if step > 0 {
			v.step = step
		}
	}
}

// WithDefaultZoom sets the zoom restored by ResetView.
func WithDefaultZoom(zoom float64) Option {
	return func(v *Viewport) {
		if zoom > 0 {
			v.defaultZoom = zoom
		}
	}
}

// WithCapturer installs the container capture hook.
func WithCapturer(c Capturer) Option {
	return func(v *Viewport) {
		v.capturer = c
	}
}

// Viewport owns zoom and pan. It is safe for concurrent use.
type Viewport struct {
	mu sync.Mutex

	minZoom     float64
	maxZoom     float64
	step        float64
	defaultZoom float64
	capturer    Capturer

	zoom float64
	panX float64
	panY float64

	panning   bool
	pointerID int
	refX      float64
	refY      float64
	refPanX   float64
	refPanY   float64
}

// New returns a viewport at the default zoom with pan at the origin.
func New(opts ...Option) *Viewport {
	v := &Viewport{
		minZoom:     DefaultMinZoom,
		maxZoom:     DefaultMaxZoom,
		step:        DefaultZoomStep,
		defaultZoom: DefaultZoom,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.defaultZoom = v.clamp(v.defaultZoom)
	v.zoom = v.defaultZoom
	return v
}

// State returns a copy of the current camera.
func (v *Viewport) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return State{Zoom: v.zoom, PanX: v.panX, PanY: v.panY, IsPanning: v.panning}
}

// Zoom returns the current zoom level.
func (v *Viewport) Zoom() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.zoom
}

// Bounds returns the zoom bounds.
func (v *Viewport) Bounds() (float64, float64) {
	return v.minZoom, v.maxZoom
}

func (v *Viewport) ZoomIn() {
	v.mu.Lock()
	v.zoom = v.clamp(v.zoom + v.step)
	v.mu.Unlock()
}

func (v *Viewport) ZoomOut() {
	v.mu.Lock()
	v.zoom = v.clamp(v.zoom - v.step)
	v.mu.Unlock()
}

// SetZoom sets an absolute zoom level, clamped to bounds.
func (v *Viewport) SetZoom(zoom float64) {
	v.mu.Lock()
	v.zoom = v.clamp(zoom)
	v.mu.Unlock()
}

// ResetView restores the default zoom and the origin pan.
func (v *Viewport) ResetView() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.endPanLocked()
	v.zoom = v.defaultZoom
	v.panX, v.panY = 0, 0
}

// OnWheel zooms when the modifier is held and pans otherwise.
func (v *Viewport) OnWheel(ev WheelEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ev.Modifier {
		switch {
		case ev.DeltaY < 0:
			v.zoom = v.clamp(v.zoom + v.step)
		case ev.DeltaY > 0:
			v.zoom = v.clamp(v.zoom - v.step)
		}
		return
	}

	v.panX -= ev.DeltaX / v.zoom
	v.panY -= ev.DeltaY / v.zoom
}

// OnPointerDown starts a pan for a middle press or a primary press on the
// canvas background. Presses on entities are left to the entity and return false.
func (v *Viewport) OnPointerDown(ev PointerEvent) bool {
	startsPan := ev.Button == ButtonMiddle ||
		(ev.Button == ButtonPrimary && ev.Target == TargetBackground)
	if !startsPan {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.panning = true
	v.pointerID = ev.PointerID
	v.refX, v.refY = ev.X, ev.Y
	v.refPanX, v.refPanY = v.panX, v.panY
	if v.capturer != nil {
		v.capturer.Capture(ev.PointerID)
	}
	return true
}

// OnPointerMove updates pan while a pan gesture is active.
func (v *Viewport) OnPointerMove(ev PointerEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.panning {
		return
	}
	v.panX = v.refPanX + (ev.X-v.refX)/v.zoom
	v.panY = v.refPanY + (ev.Y-v.refY)/v.zoom
}

// OnPointerUp ends any pan gesture.
func (v *Viewport) OnPointerUp(PointerEvent) {
	v.mu.Lock()
	v.endPanLocked()
	v.mu.Unlock()
}

// ToCanvas converts a screen point to canvas space.
func (v *Viewport) ToCanvas(x, y float64) (float64, float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return x/v.zoom - v.panX, y/v.zoom - v.panY
}

// ToScreen converts a canvas point to screen space.
func (v *Viewport) ToScreen(x, y float64) (float64, float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return (x + v.panX) * v.zoom, (y + v.panY) * v.zoom
}

func (v *Viewport) endPanLocked() {
	if !v.panning {
		return
	}
	v.panning = false
	if v.capturer != nil {
		v.capturer.Release(v.pointerID)
	}
}

func (v *Viewport) clamp(zoom float64) float64 {
	if math.IsNaN(zoom) {
		return v.clampDefault()
	}
	return math.Min(v.maxZoom, math.Max(v.minZoom, zoom))
}

func (v *Viewport) clampDefault() float64 {
	return math.Min(v.maxZoom, math.Max(v.minZoom, v.defaultZoom))
}
