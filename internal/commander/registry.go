package commander

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/golang/glog"

	"outlineserver/internal/location"
)

// Cache persists per-file state between server runs. Failures are logged and
// otherwise ignored.
type Cache interface {
	AddRecentFile(ctx context.Context, path string) error
	SaveSelection(ctx context.Context, path string, selection location.Archived) error
	LoadSelection(ctx context.Context, path string) (location.Archived, bool, error)
}

// Summary describes one open commander.
type Summary struct {
	ID      string `json:"id"`
	Path    string `json:"name"`
	Changed bool   `json:"changed"`
	Active  bool   `json:"selected"`
}

// Registry tracks open commanders and which one is active. It is owned by
// the server loop and is not safe for concurrent use.
type Registry struct {
	commanders []*Commander
	active     *Commander

	cache   Cache
	opened  func(c *Commander)
	written func(path string)
	closed  func(c *Commander)
}

type Option func(*Registry)

func WithCache(cache Cache) Option {
	return func(r *Registry) {
		r.cache = cache
	}
}

// OnOpen is called after a commander is loaded and joins the registry.
func OnOpen(fn func(c *Commander)) Option {
	return func(r *Registry) {
		r.opened = fn
	}
}

// OnWrite is called with every path the server writes on a commander's behalf.
func OnWrite(fn func(path string)) Option {
	return func(r *Registry) {
		r.written = fn
	}
}

// OnClose is called after a commander leaves the registry.
func OnClose(fn func(c *Commander)) Option {
	return func(r *Registry) {
		r.closed = fn
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		opened:  func(*Commander) {},
		written: func(string) {},
		closed:  func(*Commander) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open loads path, or activates it when it is already open. An empty path
// creates an untitled outline.
func (r *Registry) Open(ctx context.Context, path string) (*Commander, error) {
	if path != "" {
		if c := r.findPath(path); c != nil {
			return c, r.SetActive(c)
		}
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.written = r.written
	if r.cache != nil && path != "" {
		if err := r.cache.AddRecentFile(ctx, path); err != nil {
			glog.Warningf("[registry]recent files %s = %s\n", path, err)
		}
		if selection, ok, err := r.cache.LoadSelection(ctx, path); err != nil {
			glog.Warningf("[registry]load selection %s = %s\n", path, err)
		} else if ok {
			if err := c.SelectArchived(selection); err != nil {
				glog.V(1).Infof("[registry]stale selection %s = %s\n", path, err)
			}
		}
	}
	r.commanders = append(r.commanders, c)
	if err := r.SetActive(c); err != nil {
		r.commanders = r.commanders[:len(r.commanders)-1]
		return nil, err
	}
	glog.Infof("[registry]open %s (%s)\n", displayName(c), c.id)
	r.opened(c)
	return c, nil
}

// Close removes c. A changed commander is only closed when forced, in which
// case its changes are discarded first.
func (r *Registry) Close(ctx context.Context, c *Commander, forced bool) (bool, error) {
	i := r.Index(c)
	if i < 0 {
		return false, fmt.Errorf("commander %s: %w", c.id, ErrNotFound)
	}
	if c.changed {
		if !forced {
			return false, nil
		}
		c.changed = false
	}
	if r.cache != nil && c.path != "" {
		if err := r.cache.SaveSelection(ctx, c.path, location.Encode(c.current)); err != nil {
			glog.Warningf("[registry]save selection %s = %s\n", c.path, err)
		}
	}
	r.commanders = append(r.commanders[:i], r.commanders[i+1:]...)
	glog.Infof("[registry]close %s (%s)\n", displayName(c), c.id)
	r.closed(c)
	if r.active == c {
		r.active = nil
		if n := len(r.commanders); 0 < n {
			if err := r.SetActive(r.commanders[n-1]); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// SetActive makes c the active commander after checking that every
// position in it round trips.
func (r *Registry) SetActive(c *Commander) error {
	if r.Index(c) < 0 {
		return fmt.Errorf("commander %s: %w", c.id, ErrNotFound)
	}
	if err := location.SelfCheck(c.tree); err != nil {
		return err
	}
	r.active = c
	return nil
}

func (r *Registry) SetActiveID(id string) error {
	for _, c := range r.commanders {
		if c.id == id {
			return r.SetActive(c)
		}
	}
	return fmt.Errorf("commander %s: %w", id, ErrNotFound)
}

func (r *Registry) SetActiveIndex(i int) error {
	if i < 0 || len(r.commanders) <= i {
		return fmt.Errorf("commander index %d: %w", i, ErrNotFound)
	}
	return r.SetActive(r.commanders[i])
}

// Active returns the active commander or nil.
func (r *Registry) Active() *Commander {
	return r.active
}

func (r *Registry) Len() int {
	return len(r.commanders)
}

// Commanders returns the open commanders in open order.
func (r *Registry) Commanders() []*Commander {
	out := make([]*Commander, len(r.commanders))
	copy(out, r.commanders)
	return out
}

func (r *Registry) Index(c *Commander) int {
	for i, other := range r.commanders {
		if other == c {
			return i
		}
	}
	return -1
}

func (r *Registry) List() []Summary {
	out := make([]Summary, len(r.commanders))
	for i, c := range r.commanders {
		out[i] = Summary{
			ID:      c.id,
			Path:    c.path,
			Changed: c.changed,
			Active:  c == r.active,
		}
	}
	return out
}

func (r *Registry) findPath(path string) *Commander {
	clean := filepath.Clean(path)
	for _, c := range r.commanders {
		if c.path != "" && filepath.Clean(c.path) == clean {
			return c
		}
	}
	return nil
}

func displayName(c *Commander) string {
	if c.path == "" {
		return "untitled"
	}
	return c.path
}
