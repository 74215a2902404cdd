package domain

// HistoryAction tags a reversible mutation recorded for undo/redo.
type HistoryAction string

const (
	HistoryAdd      HistoryAction = "add"
	HistoryRemove   HistoryAction = "remove"
	HistoryClearAll HistoryAction = "clear_all"
)

// HistoryEntry records one reversible canvas mutation.
//
// HistoryAdd carries the added shape. HistoryRemove carries the removed
// shape and the index it held so undo can restore z-order. HistoryClearAll
// is a whole-canvas replacement: Prior is the canvas before the mutation
// and Next the canvas after it, so a plain clear records Next as nil while
// a snapshot load records the loaded shapes. Undo restores Prior, redo
// restores Next.
type HistoryEntry struct {
	Action HistoryAction
	Shape  Shape   // add, remove
	Index  int     // remove: index at removal
	Prior  []Shape // clear_all: canvas before the mutation
	Next   []Shape // clear_all: canvas after the mutation
}
