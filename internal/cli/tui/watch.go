package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/duragraph/studio/internal/reducer"
	"github.com/duragraph/studio/internal/stream"
)

// watch is one registry handle folded into a view state.
type watch[S any] struct {
	handle *stream.Handle
	fold   *reducer.Fold[S]
	conn   stream.Connectivity
	events int
}

func newWatch[S any](reg *stream.Registry, runID string, initial S, reduce reducer.Reducer[S]) (*watch[S], error) {
	h, err := reg.Subscribe(runID, nil)
	if err != nil {
		return nil, err
	}
	w := &watch[S]{
		handle: h,
		fold:   reducer.NewFold(initial, reduce),
		conn:   stream.Connectivity{RunID: runID, Status: h.InitialStatus()},
	}
	snapshot := h.Snapshot()
	w.fold.Rebuild(snapshot)
	w.events = len(snapshot)
	return w, nil
}

func (w *watch[S]) apply(u stream.Update) {
	switch u.Kind {
	case stream.UpdateEvent:
		w.fold.Sync(u.Entry, w.handle.Log)
		w.events++
	case stream.UpdateConnectivity:
		w.conn = u.Connectivity
	}
}

func (w *watch[S]) state() S { return w.fold.State() }

func (w *watch[S]) runID() string { return w.handle.RunID() }

func (w *watch[S]) retry() error { return w.handle.Retry() }

func (w *watch[S]) close() { w.handle.Close() }

// waitUpdateCmd delivers the next update of h. It stops once h is closed.
func waitUpdateCmd(ctx context.Context, h *stream.Handle) tea.Cmd {
	return func() tea.Msg {
		u, err := h.Next(ctx)
		return updateMsg{handle: h, update: u, err: err}
	}
}
