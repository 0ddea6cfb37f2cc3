// Package overlay keeps the interactive scene in step with the editor's
// findings: one "Fix it!" button while findings exist, none otherwise.
package overlay

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"mixerls/internal/interactive"
)

const (
	// DefaultSceneID is the scene controls are created in.
	DefaultSceneID = "default"
	// ButtonText labels the created button.
	ButtonText = "Fix it!"

	clickEvent = "mousedown"
)

// Session is the part of the interactive client the reconciler drives.
type Session interface {
	GetScenes(ctx context.Context) ([]interactive.Scene, error)
	CreateControls(ctx context.Context, sceneID string, controls []interactive.Control) ([]interactive.Control, error)
	DeleteControls(ctx context.Context, sceneID string, controlIDs []string) error
	CaptureTransaction(ctx context.Context, transactionID string) error
	Ready(ctx context.Context, ready bool) error
}

// Notifier surfaces button clicks in the editor.
type Notifier interface {
	ShowError(message string)
	Telemetry(event any)
}

// TelemetryEvent is the payload sent for every click.
type TelemetryEvent struct {
	Text string `json:"text"`
}

// ClickHandler reacts to one interaction with a control.
type ClickHandler func(ctx context.Context, ev interactive.InputEvent)

// Options configures a Reconciler.
type Options struct {
	Session  Session
	Notifier Notifier
	Logf     func(format string, args ...any)
}

// Reconciler creates and deletes overlay controls and dispatches clicks.
type Reconciler struct {
	session  Session
	notifier Notifier
	logf     func(format string, args ...any)
	passes   *semaphore.Weighted

	mu       sync.Mutex
	handlers map[string]ClickHandler
}

// NewReconciler constructs a Reconciler.
func NewReconciler(opts Options) *Reconciler {
	logf := opts.Logf
	if logf == nil {
		logf = func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "overlay: "+format+"\n", args...)
		}
	}
	return &Reconciler{
		session:  opts.Session,
		notifier: opts.Notifier,
		logf:     logf,
		passes:   semaphore.NewWeighted(1),
		handlers: make(map[string]ClickHandler),
	}
}

// Sync fetches the live scene and reconciles it against findingCount.
// Passes run one at a time, so callers may invoke Sync concurrently without
// going through a Queue; a pass waits for the previous one's remote calls
// to settle.
func (r *Reconciler) Sync(ctx context.Context, findingCount int) error {
	if err := r.passes.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.passes.Release(1)

	scenes, err := r.session.GetScenes(ctx)
	if err != nil {
		return fmt.Errorf("get scenes: %w", err)
	}
	return r.Reconcile(ctx, findingCount, pickScene(scenes))
}

// Reconcile applies one pass against an already fetched scene.
//
// Findings without controls create and wire the button, then mark the
// session ready. Controls without findings are deleted in one call. Every
// other combination makes no remote calls. A scene without controls never
// keeps handlers, e.g. ones wired against a session that has since reset.
func (r *Reconciler) Reconcile(ctx context.Context, findingCount int, scene interactive.Scene) error {
	armed := len(scene.Controls) > 0
	if !armed {
		r.dropHandlers()
	}
	switch {
	case findingCount > 0 && !armed:
		return r.arm(ctx)
	case findingCount == 0 && armed:
		return r.disarm(ctx, scene)
	case armed:
		r.adopt(scene.Controls)
	}
	return nil
}

func (r *Reconciler) arm(ctx context.Context) error {
	controls := BuildControls(1, func(int) string { return ButtonText })
	created, err := r.session.CreateControls(ctx, DefaultSceneID, controls)
	if err != nil {
		return fmt.Errorf("create controls: %w", err)
	}
	for _, control := range created {
		r.register(control)
	}
	if err := r.session.Ready(ctx, true); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	return nil
}

func (r *Reconciler) disarm(ctx context.Context, scene interactive.Scene) error {
	sceneID := scene.SceneID
	if sceneID == "" {
		sceneID = DefaultSceneID
	}
	ids := make([]string, 0, len(scene.Controls))
	for _, control := range scene.Controls {
		ids = append(ids, control.ControlID)
	}
	if err := r.session.DeleteControls(ctx, sceneID, ids); err != nil {
		return fmt.Errorf("delete controls: %w", err)
	}
	r.mu.Lock()
	for _, id := range ids {
		delete(r.handlers, id)
	}
	r.mu.Unlock()
	return nil
}

// adopt wires controls that exist remotely but have no local handler, for
// example buttons left behind by an earlier process.
func (r *Reconciler) adopt(controls []interactive.Control) {
	for _, control := range controls {
		if !r.HasHandler(control.ControlID) {
			r.register(control)
		}
	}
}

func (r *Reconciler) dropHandlers() {
	r.mu.Lock()
	clear(r.handlers)
	r.mu.Unlock()
}

func (r *Reconciler) register(control interactive.Control) {
	handler := r.clickHandler(control)
	r.mu.Lock()
	r.handlers[control.ControlID] = handler
	r.mu.Unlock()
}

// HasHandler reports whether clicks on controlID are handled.
func (r *Reconciler) HasHandler(controlID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[controlID]
	return ok
}

// HandlerCount returns the number of wired controls.
func (r *Reconciler) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// HandleInput dispatches a click to the handler registered for its control.
func (r *Reconciler) HandleInput(ctx context.Context, ev interactive.InputEvent) {
	if ev.Input.Event != clickEvent {
		return
	}
	r.mu.Lock()
	handler, ok := r.handlers[ev.Input.ControlID]
	r.mu.Unlock()
	if !ok {
		return
	}
	handler(ctx, ev)
}

func (r *Reconciler) clickHandler(control interactive.Control) ClickHandler {
	return func(ctx context.Context, ev interactive.InputEvent) {
		name := participantName(ev.Participant)
		r.logf("%s pushed, %s", name, ev.Input.ControlID)

		message := name + " says Fix It!"
		if r.notifier != nil {
			r.notifier.ShowError(message)
			r.notifier.Telemetry(TelemetryEvent{Text: message})
		}

		if ev.TransactionID == "" {
			return
		}
		if err := r.session.CaptureTransaction(ctx, ev.TransactionID); err != nil {
			r.logf("capture %s failed: %v", ev.TransactionID, err)
			return
		}
		r.logf("Charged %s %d sparks!", name, control.Cost)
	}
}

func participantName(p interactive.Participant) string {
	if p.Username != "" {
		return p.Username
	}
	return p.SessionID
}

func pickScene(scenes []interactive.Scene) interactive.Scene {
	for _, scene := range scenes {
		if scene.SceneID == DefaultSceneID {
			return scene
		}
	}
	if len(scenes) > 0 {
		return scenes[0]
	}
	return interactive.Scene{SceneID: DefaultSceneID}
}
