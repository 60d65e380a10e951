package location

import (
	"outlineserver/internal/outline"
)

// Snapshot is the redraw form of a position: its archived path plus the
// flags a client needs to draw the node.
type Snapshot struct {
	Archived
	Headline    string `json:"headline"`
	Level       int    `json:"level"`
	Selected    bool   `json:"selected,omitempty"`
	HasChildren bool   `json:"hasChildren,omitempty"`
	HasBody     bool   `json:"hasBody,omitempty"`
	Dirty       bool   `json:"dirty,omitempty"`
	Marked      bool   `json:"marked,omitempty"`
	Expanded    bool   `json:"expanded,omitempty"`
	Cloned      bool   `json:"cloned,omitempty"`
	AtFile      bool   `json:"atFile,omitempty"`
	HasUA       bool   `json:"u,omitempty"`
}

// Redraw builds the snapshot of p. selected is the caller's view of which
// position is current.
func Redraw(p outline.Position, t *outline.Tree, selected bool) Snapshot {
	_, _, atFile := p.V.External()
	return Snapshot{
		Archived:    Encode(p),
		Headline:    p.V.Headline,
		Level:       p.Level(),
		Selected:    selected,
		HasChildren: p.V.HasChildren(),
		HasBody:     p.V.HasBody(),
		Dirty:       p.V.Dirty,
		Marked:      p.V.Marked,
		Expanded:    p.V.Expanded,
		Cloned:      t.IsCloned(p.V),
		AtFile:      atFile,
		HasUA:       0 < len(p.V.UA),
	}
}

// RedrawAll snapshots a list of positions against the current one.
func RedrawAll(ps []outline.Position, t *outline.Tree, current outline.Position) []Snapshot {
	out := make([]Snapshot, len(ps))
	for i, p := range ps {
		out[i] = Redraw(p, t, p.Equal(current))
	}
	return out
}
