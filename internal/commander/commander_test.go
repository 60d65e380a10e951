package commander

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"outlineserver/internal/location"
	"outlineserver/internal/outline"
)

func topHeadlines(c *Commander) []string {
	out := []string{}
	for _, p := range c.Tree().TopLevel() {
		out = append(out, p.V.Headline)
	}
	return out
}

func TestCommanderEditsAndUndo(t *testing.T) {
	c := New("")
	assert.Equal(t, false, c.Changed())

	assert.Equal(t, nil, c.InsertNode("second"))
	assert.Equal(t, "second", c.Current().V.Headline)
	assert.Equal(t, true, c.Changed())
	assert.Equal(t, "Insert Node", c.Undoer().UndoLabel())

	assert.Equal(t, nil, c.InsertChild("child"))
	assert.Equal(t, 1, c.Current().Level())

	assert.Equal(t, nil, c.Undo())
	assert.Equal(t, "second", c.Current().V.Headline)
	assert.Equal(t, false, c.Current().V.HasChildren())
	assert.Equal(t, true, c.Undoer().CanRedo())

	assert.Equal(t, nil, c.Redo())
	assert.Equal(t, "child", c.Current().V.Headline)
	assert.Equal(t, true, c.Tree().IsValid(c.Current()))

	assert.Equal(t, nil, c.Undo())
	assert.Equal(t, nil, c.Undo())
	assert.Equal(t, []string{"NewHeadline"}, topHeadlines(c))
	assert.Equal(t, true, errors.Is(c.Undo(), ErrNothingToDo))
}

func TestCommanderSetHeadlineAndBody(t *testing.T) {
	c := New("")
	p := c.Current()
	assert.Equal(t, nil, c.SetHeadline(p, "renamed"))
	assert.Equal(t, "renamed", c.Current().V.Headline)

	assert.Equal(t, nil, c.SetBody(p.V.Gnx, "text"))
	assert.Equal(t, "text", c.Current().V.Body)

	err := c.SetBody("missing", "x")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestCommanderMarks(t *testing.T) {
	c := New("")
	c.InsertChild("child")
	c.Goto(func(p outline.Position) outline.Position { return p.Parent() })

	assert.Equal(t, nil, c.MarkSubtree())
	for _, p := range c.Tree().All() {
		assert.Equal(t, true, p.V.Marked)
	}
	assert.Equal(t, nil, c.ClearAllMarked())
	for _, p := range c.Tree().All() {
		assert.Equal(t, false, p.V.Marked)
	}
	assert.Equal(t, nil, c.ToggleMark())
	assert.Equal(t, true, c.Current().V.Marked)
}

func TestCommanderSaveReloadRevert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.leo")

	c, err := Load(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, path, c.Path())

	var written []string
	c.written = func(p string) { written = append(written, p) }

	c.InsertNode("kept")
	assert.Equal(t, nil, c.Save())
	assert.Equal(t, []string{path}, written)
	assert.Equal(t, false, c.Changed())

	c.InsertNode("discarded")
	assert.Equal(t, nil, c.Revert())
	assert.Equal(t, false, c.Changed())
	assert.Equal(t, []string{"NewHeadline", "kept"}, topHeadlines(c))
	// the discarded node is gone, so the selection falls back to the first node
	assert.Equal(t, "NewHeadline", c.Current().V.Headline)
	assert.Equal(t, false, c.Undoer().CanUndo())
}

func TestCommanderReloadNode(t *testing.T) {
	dir := t.TempDir()
	c := New(filepath.Join(dir, "doc.leo"))
	c.SetHeadline(c.Current(), "@edit notes.txt")
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("from disk"), 0o644)

	assert.Equal(t, nil, c.ReloadNode(c.Current()))
	assert.Equal(t, "from disk", c.Current().V.Body)
}

func TestCommanderMethodLookupOrder(t *testing.T) {
	c := New("")
	_, where, ok := c.Method("clearAllMarked")
	assert.Equal(t, true, ok)
	assert.Equal(t, "commander", where)

	_, where, ok = c.Method("undo")
	assert.Equal(t, true, ok)
	assert.Equal(t, "undoer", where)

	c.AddFacility(Facility{Name: "late", Methods: map[string]MethodFunc{
		"undo":     unavailable,
		"lateOnly": unavailable,
	}})
	_, where, _ = c.Method("undo")
	assert.Equal(t, "undoer", where)
	_, where, _ = c.Method("lateOnly")
	assert.Equal(t, "late", where)

	_, _, ok = c.Method("noSuchMethod")
	assert.Equal(t, false, ok)
	assert.Equal(t, []string{"commander", "fileCommands", "undoer", "nodeOps", "late"}, c.Facilities())
}

func TestCommanderMethodParams(t *testing.T) {
	c := New("")
	fn, _, _ := c.Method("insertNode")
	_, err := fn(c, json.RawMessage(`{"name":"from param"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, "from param", c.Current().V.Headline)

	fn, _, _ = c.Method("getUndoState")
	out, err := fn(c, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, out["canUndo"])
	assert.Equal(t, "Insert Node", out["undoLabel"])

	fn, _ = c.Command("goto-prev-node")
	_, err = fn(c, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, "NewHeadline", c.Current().V.Headline)

	_, err = fn(c, nil)
	assert.Equal(t, true, errors.Is(err, ErrNothingToDo))
}

type memoryCache struct {
	recent     []string
	selections map[string]location.Archived
}

func (m *memoryCache) AddRecentFile(_ context.Context, path string) error {
	m.recent = append(m.recent, path)
	return nil
}

func (m *memoryCache) SaveSelection(_ context.Context, path string, sel location.Archived) error {
	m.selections[path] = sel
	return nil
}

func (m *memoryCache) LoadSelection(_ context.Context, path string) (location.Archived, bool, error) {
	sel, ok := m.selections[path]
	return sel, ok, nil
}

func TestRegistryOpenCloseList(t *testing.T) {
	ctx := context.Background()
	var closed []string
	r := NewRegistry(OnClose(func(c *Commander) { closed = append(closed, c.ID()) }))

	a, err := r.Open(ctx, "a.leo")
	assert.Equal(t, nil, err)
	assert.Equal(t, "a.leo", a.Path())
	assert.Equal(t, a, r.Active())

	b, err := r.Open(ctx, "")
	assert.Equal(t, nil, err)
	assert.Equal(t, b, r.Active())

	again, err := r.Open(ctx, "./a.leo")
	assert.Equal(t, nil, err)
	assert.Equal(t, a, again)
	assert.Equal(t, a, r.Active())
	assert.Equal(t, 2, r.Len())

	list := r.List()
	assert.Equal(t, 2, len(list))
	assert.Equal(t, true, list[0].Active)
	assert.Equal(t, false, list[1].Active)

	b.InsertNode("unsaved")
	ok, err := r.Close(ctx, b, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, true, b.Changed())

	ok, err = r.Close(ctx, b, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{b.ID()}, closed)

	ok, err = r.Close(ctx, a, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, r.Active() == nil)

	_, err = r.Close(ctx, a, false)
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestRegistrySetActive(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	a, _ := r.Open(ctx, "a.leo")
	b, _ := r.Open(ctx, "b.leo")

	assert.Equal(t, nil, r.SetActiveIndex(0))
	assert.Equal(t, a, r.Active())
	assert.Equal(t, nil, r.SetActiveID(b.ID()))
	assert.Equal(t, b, r.Active())

	assert.Equal(t, true, errors.Is(r.SetActiveIndex(2), ErrNotFound))
	assert.Equal(t, true, errors.Is(r.SetActiveIndex(-1), ErrNotFound))
	assert.Equal(t, true, errors.Is(r.SetActiveID("nope"), ErrNotFound))
	assert.Equal(t, b, r.Active())
}

func TestRegistryCacheRestoresSelection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.leo")
	cache := &memoryCache{selections: map[string]location.Archived{}}
	var written []string
	r := NewRegistry(WithCache(cache), OnWrite(func(p string) { written = append(written, p) }))

	c, err := r.Open(ctx, path)
	assert.Equal(t, nil, err)
	c.InsertNode("two")
	c.InsertChild("deep")
	assert.Equal(t, nil, c.Save())
	assert.Equal(t, []string{path}, written)

	ok, err := r.Close(ctx, c, false)
	assert.Equal(t, true, ok)
	assert.Equal(t, nil, err)

	reopened, err := r.Open(ctx, path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "deep", reopened.Current().V.Headline)
	assert.Equal(t, []string{path, path}, cache.recent)
}
