package usecase

import "slate/internal/domain"

// History holds the undo/redo stacks for one session. The stacks are global
// to the session, not per participant: any participant's undo reverts the
// room's most recent reversible action, matching a single shared-document
// model. History is not internally locked; it is owned by a Session and
// mutated only under the session lock.
type History struct {
	undo []domain.HistoryEntry
	redo []domain.HistoryEntry
}

// Record pushes a new reversible mutation and clears the redo stack.
func (h *History) Record(e domain.HistoryEntry) {
	h.undo = append(h.undo, e)
	h.redo = nil
}

// Undo pops the most recent entry onto the redo stack and returns it. The
// second return is false when there is nothing to undo; callers must not
// mutate or broadcast in that case.
func (h *History) Undo() (domain.HistoryEntry, bool) {
	if len(h.undo) == 0 {
		return domain.HistoryEntry{}, false
	}
	e := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, e)
	return e, true
}

// Redo is the symmetric pop from the redo stack back onto the undo stack.
func (h *History) Redo() (domain.HistoryEntry, bool) {
	if len(h.redo) == 0 {
		return domain.HistoryEntry{}, false
	}
	e := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, e)
	return e, true
}

// Depths returns the undo and redo stack depths.
func (h *History) Depths() (undo, redo int) {
	return len(h.undo), len(h.redo)
}
