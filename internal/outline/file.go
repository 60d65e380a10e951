package outline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const fileVersion = 1

// fileNode is the on-disk form of a node. A clone is written in full the
// first time it appears and as a bare gnx reference afterwards.
type fileNode struct {
	Gnx      string         `json:"gnx"`
	Headline string         `json:"headline,omitempty"`
	Body     string         `json:"body,omitempty"`
	Marked   bool           `json:"marked,omitempty"`
	Expanded bool           `json:"expanded,omitempty"`
	UA       map[string]any `json:"ua,omitempty"`
	Children []fileNode     `json:"children,omitempty"`
}

type fileOutline struct {
	Version int        `json:"version"`
	Nodes   []fileNode `json:"nodes"`
}

// Read loads an outline file. Bodies of external file nodes are read from
// their files, resolved relative to the outline's directory.
func Read(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes outline data. baseDir resolves external file paths; an empty
// baseDir skips loading external bodies.
func Parse(data []byte, baseDir string) (*Tree, error) {
	var f fileOutline
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding outline: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported outline version %d", f.Version)
	}
	seen := map[string]*VNode{}
	var build func(n fileNode) (*VNode, error)
	build = func(n fileNode) (*VNode, error) {
		if n.Gnx == "" {
			return nil, errors.New("decoding outline: node without gnx")
		}
		if v, ok := seen[n.Gnx]; ok {
			return v, nil
		}
		v := &VNode{
			Gnx:      n.Gnx,
			Headline: n.Headline,
			Body:     n.Body,
			Marked:   n.Marked,
			Expanded: n.Expanded,
			UA:       n.UA,
		}
		seen[n.Gnx] = v
		for _, c := range n.Children {
			child, err := build(c)
			if err != nil {
				return nil, err
			}
			if child.contains(v) {
				return nil, fmt.Errorf("decoding outline: cycle at %s", n.Gnx)
			}
			v.Children = append(v.Children, child)
		}
		return v, nil
	}
	root := &VNode{Gnx: "hidden-root"}
	for _, n := range f.Nodes {
		v, err := build(n)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, v)
	}
	t := newTreeFromRoot(root)
	if baseDir != "" {
		for _, p := range t.ExternalNodes() {
			// a missing external file leaves the stored body in place
			_ = LoadExternal(p.V, baseDir)
			p.V.Dirty = false
		}
	}
	return t, nil
}

// Marshal encodes the outline.
func Marshal(t *Tree) ([]byte, error) {
	written := map[*VNode]bool{}
	var encode func(v *VNode) fileNode
	encode = func(v *VNode) fileNode {
		if written[v] {
			return fileNode{Gnx: v.Gnx}
		}
		written[v] = true
		n := fileNode{
			Gnx:      v.Gnx,
			Headline: v.Headline,
			Body:     v.Body,
			Marked:   v.Marked,
			Expanded: v.Expanded,
			UA:       v.UA,
		}
		for _, child := range v.Children {
			n.Children = append(n.Children, encode(child))
		}
		return n
	}
	f := fileOutline{Version: fileVersion}
	for _, v := range t.root.Children {
		f.Nodes = append(f.Nodes, encode(v))
	}
	return json.MarshalIndent(f, "", "  ")
}

// Write saves the outline and every external file node, returning the
// paths that were written.
func Write(path string, t *Tree) ([]string, error) {
	data, err := Marshal(t)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	written := []string{path}
	baseDir := filepath.Dir(path)
	for _, p := range t.ExternalNodes() {
		extPath := ExternalPath(p.V, baseDir)
		if err := os.WriteFile(extPath, []byte(p.V.Body), 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", extPath, err)
		}
		written = append(written, extPath)
	}
	t.ClearDirty()
	return written, nil
}

// ExternalPath resolves the file bound to v, or "" when v is not external.
func ExternalPath(v *VNode, baseDir string) string {
	_, path, ok := v.External()
	if !ok {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// LoadExternal replaces v's body with the contents of its external file.
func LoadExternal(v *VNode, baseDir string) error {
	path := ExternalPath(v, baseDir)
	if path == "" {
		return fmt.Errorf("%s is not an external file node", v.Gnx)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	v.SetBody(string(data))
	return nil
}

// ReloadPolicy says how an externally changed node may be reconciled.
type ReloadPolicy int

const (
	// ReloadAsk nodes can be reloaded safely once the user agrees.
	ReloadAsk ReloadPolicy = iota
	// ReloadWarn nodes would lose structure on reload; the user is only told.
	ReloadWarn
)

func (r ReloadPolicy) String() string {
	switch r {
	case ReloadAsk:
		return "ask"
	case ReloadWarn:
		return "warn"
	default:
		return fmt.Sprintf("policy(%d)", int(r))
	}
}

var reloadPolicies = map[string]func(v *VNode) ReloadPolicy{
	KindEdit:   always(ReloadAsk),
	KindAsis:   always(ReloadAsk),
	KindAuto:   always(ReloadAsk),
	KindFile:   askWhenLeaf,
	KindClean:  askWhenLeaf,
	KindNosent: always(ReloadWarn),
}

func always(r ReloadPolicy) func(*VNode) ReloadPolicy {
	return func(*VNode) ReloadPolicy {
		return r
	}
}

// reloading a node with children would flatten them into the body
func askWhenLeaf(v *VNode) ReloadPolicy {
	if v.HasChildren() {
		return ReloadWarn
	}
	return ReloadAsk
}

// PolicyFor classifies an external file node.
func PolicyFor(v *VNode) ReloadPolicy {
	kind, _, ok := v.External()
	if !ok {
		return ReloadWarn
	}
	return reloadPolicies[kind](v)
}
