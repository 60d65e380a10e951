package commander

import (
	"outlineserver/internal/location"
	"outlineserver/internal/outline"
)

const maxUndo = 100

type snapshot struct {
	tree      *outline.Tree
	selection location.Archived
	label     string
}

// Undoer keeps whole-tree snapshots taken before each edit.
type Undoer struct {
	before []snapshot
	after  []snapshot
}

func NewUndoer() *Undoer {
	return &Undoer{}
}

func (u *Undoer) push(label string, s snapshot) {
	s.label = label
	u.before = append(u.before, s)
	if maxUndo < len(u.before) {
		u.before = u.before[1:]
	}
	u.after = nil
}

func (u *Undoer) undo(current snapshot) (snapshot, bool) {
	if len(u.before) == 0 {
		return snapshot{}, false
	}
	s := u.before[len(u.before)-1]
	u.before = u.before[:len(u.before)-1]
	current.label = s.label
	u.after = append(u.after, current)
	return s, true
}

func (u *Undoer) redo(current snapshot) (snapshot, bool) {
	if len(u.after) == 0 {
		return snapshot{}, false
	}
	s := u.after[len(u.after)-1]
	u.after = u.after[:len(u.after)-1]
	current.label = s.label
	u.before = append(u.before, current)
	return s, true
}

func (u *Undoer) clear() {
	u.before = nil
	u.after = nil
}

func (u *Undoer) CanUndo() bool {
	return 0 < len(u.before)
}

func (u *Undoer) CanRedo() bool {
	return 0 < len(u.after)
}

// UndoLabel names the edit Undo would revert.
func (u *Undoer) UndoLabel() string {
	if len(u.before) == 0 {
		return ""
	}
	return u.before[len(u.before)-1].label
}

// RedoLabel names the edit Redo would reapply.
func (u *Undoer) RedoLabel() string {
	if len(u.after) == 0 {
		return ""
	}
	return u.after[len(u.after)-1].label
}
