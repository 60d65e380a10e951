package outline

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// VNode is the content record of an outline node. A VNode reachable from
// several parents is a clone; all paths share the same record.
type VNode struct {
	Gnx      string
	Headline string
	Body     string
	Children []*VNode
	UA       map[string]any

	Marked   bool
	Expanded bool
	Dirty    bool
}

// NewGnx returns a fresh node identifier.
func NewGnx() string {
	return ulid.Make().String()
}

// NewVNode creates a node with a fresh gnx.
func NewVNode(headline string) *VNode {
	return &VNode{
		Gnx:      NewGnx(),
		Headline: headline,
	}
}

func (v *VNode) HasChildren() bool {
	return 0 < len(v.Children)
}

func (v *VNode) HasBody() bool {
	return v.Body != ""
}

// SetHeadline changes the headline and marks the node dirty when it differs.
func (v *VNode) SetHeadline(s string) bool {
	if v.Headline == s {
		return false
	}
	v.Headline = s
	v.Dirty = true
	return true
}

// SetBody changes the body and marks the node dirty when it differs.
func (v *VNode) SetBody(s string) bool {
	if v.Body == s {
		return false
	}
	v.Body = s
	v.Dirty = true
	return true
}

// contains reports whether target is v or appears anywhere below v.
func (v *VNode) contains(target *VNode) bool {
	if v == target {
		return true
	}
	for _, child := range v.Children {
		if child.contains(target) {
			return true
		}
	}
	return false
}

func (v *VNode) childIndex(child *VNode) int {
	for i, c := range v.Children {
		if c == child {
			return i
		}
	}
	return -1
}

func (v *VNode) insertChild(i int, child *VNode) {
	v.Children = append(v.Children, nil)
	copy(v.Children[i+1:], v.Children[i:])
	v.Children[i] = child
}

func (v *VNode) removeChild(i int) *VNode {
	child := v.Children[i]
	v.Children = append(v.Children[:i], v.Children[i+1:]...)
	return child
}

// External file directives understood by the outline.
const (
	KindEdit   = "@edit"
	KindAsis   = "@asis"
	KindAuto   = "@auto"
	KindFile   = "@file"
	KindClean  = "@clean"
	KindNosent = "@nosent"
)

var externalKinds = []string{KindEdit, KindAsis, KindAuto, KindFile, KindClean, KindNosent}

// External parses an external file directive from the headline.
func (v *VNode) External() (kind string, path string, ok bool) {
	head := strings.TrimSpace(v.Headline)
	for _, k := range externalKinds {
		if strings.HasPrefix(head, k+" ") {
			path = strings.TrimSpace(head[len(k):])
			if path == "" {
				return "", "", false
			}
			return k, path, true
		}
	}
	return "", "", false
}
