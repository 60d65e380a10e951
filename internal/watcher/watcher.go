// Package watcher notices outline and external files that changed on disk
// behind the server's back, and asks the client what to do about them.
//
// The watcher is a small state machine driven by idle ticks from the server
// loop. At most one question is outstanding at a time; while it is, ticks do
// nothing.
package watcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"outlineserver/internal/commander"
	"outlineserver/internal/hub"
	"outlineserver/internal/outline"
)

var (
	ErrNoQuestion = errors.New("no question is pending")
	ErrBadAnswer  = errors.New("answer must be one of yes, no, yes-all, no-all")
)

const DefaultAnswerTTL = 3 * time.Second

const allKey = "all"

type State int

const (
	Idle State = iota
	Scanning
	AwaitingAnswer
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case AwaitingAnswer:
		return "awaiting-answer"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Answers accepted by Answer.
const (
	Yes    = "yes"
	No     = "no"
	YesAll = "yes-all"
	NoAll  = "no-all"
)

// Question is the single pending ask.
type Question struct {
	Commander *commander.Commander
	Path      string
	// Position is zero when the outline file itself changed.
	Position outline.Position
	Session  string
	OfferAll bool
}

// Notifier delivers async messages to sessions.
type Notifier interface {
	SendAsync(message any, toAll bool, target string) (string, error)
}

// Source lists the open commanders.
type Source interface {
	Commanders() []*commander.Commander
}

type Watcher struct {
	source Source
	notify Notifier
	stat   func(path string) (Signature, error)

	state      State
	pending    *Question
	worklist   []*commander.Commander
	signatures map[string]Signature
	answers    *ttlcache.Cache[string, bool]
}

type Option func(*Watcher)

// WithAnswerTTL sets how long a yes-all or no-all answer stays in effect.
func WithAnswerTTL(ttl time.Duration) Option {
	return func(w *Watcher) {
		w.answers = newAnswerCache(ttl)
	}
}

// WithStat replaces the file system signature query.
func WithStat(stat func(path string) (Signature, error)) Option {
	return func(w *Watcher) {
		w.stat = stat
	}
}

func newAnswerCache(ttl time.Duration) *ttlcache.Cache[string, bool] {
	return ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
}

func New(source Source, notify Notifier, opts ...Option) *Watcher {
	w := &Watcher{
		source:     source,
		notify:     notify,
		stat:       Stat,
		state:      Idle,
		signatures: map[string]Signature{},
		answers:    newAnswerCache(DefaultAnswerTTL),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) State() State {
	return w.state
}

// Pending returns a copy of the outstanding question.
func (w *Watcher) Pending() (Question, bool) {
	if w.pending == nil {
		return Question{}, false
	}
	return *w.pending, true
}

// Tick scans one commander from the worklist.
func (w *Watcher) Tick() {
	if w.state == AwaitingAnswer {
		return
	}
	w.answers.DeleteExpired()
	c := w.next()
	if c == nil {
		return
	}
	w.state = Scanning
	w.scan(c)
	if w.state == Scanning {
		w.state = Idle
	}
}

func (w *Watcher) next() *commander.Commander {
	open := map[*commander.Commander]bool{}
	for _, c := range w.source.Commanders() {
		open[c] = true
	}
	pop := func() *commander.Commander {
		for 0 < len(w.worklist) {
			c := w.worklist[0]
			w.worklist = w.worklist[1:]
			if open[c] && c.CheckExternal() {
				return c
			}
		}
		return nil
	}
	if c := pop(); c != nil {
		return c
	}
	for _, c := range w.source.Commanders() {
		if c.CheckExternal() {
			w.worklist = append(w.worklist, c)
		}
	}
	return pop()
}

func (w *Watcher) scan(c *commander.Commander) {
	if c.Path() != "" {
		if w.check(c, c.Path(), outline.Position{}) {
			return
		}
	}
	for _, p := range c.Tree().ExternalNodes() {
		if w.check(c, outline.ExternalPath(p.V, c.BaseDir()), p) {
			return
		}
	}
}

// check compares one file against its recorded signature. It returns true
// when a question is now pending.
func (w *Watcher) check(c *commander.Commander, path string, p outline.Position) bool {
	sig, err := w.stat(path)
	if err != nil {
		glog.V(2).Infof("[watch]stat %s = %s\n", path, err)
		return false
	}
	old, known := w.signatures[path]
	if !known || old.Same(sig) {
		w.signatures[path] = sig
		return false
	}

	if !p.IsZero() && outline.PolicyFor(p.V) == outline.ReloadWarn {
		w.signatures[path] = sig
		w.warn(c, path)
		return false
	}

	if item := w.answers.Get(allKey); item != nil {
		glog.V(1).Infof("[watch]%s changed, cached answer reload=%t\n", path, item.Value())
		if item.Value() {
			if err := w.reload(c, p); err != nil {
				glog.Infof("[watch]reload %s = %s\n", path, err)
			}
		}
		w.record(c, path, p)
		return false
	}

	q := &Question{
		Commander: c,
		Path:      path,
		Position:  p,
		OfferAll:  !p.IsZero(),
	}
	recipient, err := w.notify.SendAsync(askMessage(q), false, c.Owner())
	if err != nil || recipient == "" {
		// nobody to ask; the change is seen again on a later tick
		return false
	}
	q.Session = recipient
	w.pending = q
	w.state = AwaitingAnswer
	glog.Infof("[watch]ask %s about %s\n", recipient, path)
	return true
}

func (w *Watcher) warn(c *commander.Commander, path string) {
	message := map[string]any{
		"async":   hub.AsyncWarn,
		"warn":    "External file changed",
		"message": fmt.Sprintf("%s has changed outside the outline and cannot be reloaded safely.", path),
		"path":    path,
	}
	if _, err := w.notify.SendAsync(message, false, c.Owner()); err != nil {
		glog.Infof("[watch]warn %s = %s\n", path, err)
	}
}

func askMessage(q *Question) map[string]any {
	message := map[string]any{
		"async":   hub.AsyncAsk,
		"ask":     "Overwrite the version in the outline?",
		"message": fmt.Sprintf("%s has changed outside the outline.", q.Path),
		"path":    q.Path,
		"yes_all": q.OfferAll,
		"no_all":  q.OfferAll,
	}
	if !q.Position.IsZero() {
		message["gnx"] = q.Position.V.Gnx
	}
	return message
}

// Answer resolves the pending question.
func (w *Watcher) Answer(answer string) error {
	if w.state != AwaitingAnswer || w.pending == nil {
		return ErrNoQuestion
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	switch answer {
	case Yes, No, YesAll, NoAll:
	default:
		return fmt.Errorf("%w: %q", ErrBadAnswer, answer)
	}
	q := w.pending
	w.pending = nil
	w.state = Idle

	reload := answer == Yes || answer == YesAll
	if strings.HasSuffix(answer, "-all") {
		w.answers.Set(allKey, reload, ttlcache.DefaultTTL)
	}
	var err error
	if reload && w.isOpen(q.Commander) {
		err = w.reload(q.Commander, q.Position)
	}
	w.record(q.Commander, q.Path, q.Position)
	w.worklist = append([]*commander.Commander{q.Commander}, w.worklist...)
	glog.Infof("[watch]answer %s for %s\n", answer, q.Path)
	return err
}

// SessionClosed drops a question owned by a session that went away. The
// change is not asked about again.
func (w *Watcher) SessionClosed(session string) {
	if w.pending == nil || w.pending.Session != session {
		return
	}
	q := w.pending
	w.pending = nil
	w.state = Idle
	w.record(q.Commander, q.Path, q.Position)
	glog.Infof("[watch]discard question for %s, session %s closed\n", q.Path, session)
}

// Record stores the current signature of a file the server itself wrote.
func (w *Watcher) Record(path string) {
	if sig, err := w.stat(path); err == nil {
		w.signatures[path] = sig
	}
}

// Opened records the on-disk baseline of a freshly loaded commander, so a
// change made before its first scan is still noticed.
func (w *Watcher) Opened(c *commander.Commander) {
	for _, path := range watchedPaths(c) {
		w.Record(path)
	}
}

// Forget drops a closed commander.
func (w *Watcher) Forget(c *commander.Commander) {
	for i := 0; i < len(w.worklist); {
		if w.worklist[i] == c {
			w.worklist = append(w.worklist[:i], w.worklist[i+1:]...)
		} else {
			i++
		}
	}
	if w.pending != nil && w.pending.Commander == c {
		w.pending = nil
		w.state = Idle
	}
	shared := map[string]bool{}
	for _, other := range w.source.Commanders() {
		if other != c {
			for _, path := range watchedPaths(other) {
				shared[path] = true
			}
		}
	}
	for _, path := range watchedPaths(c) {
		if !shared[path] {
			delete(w.signatures, path)
		}
	}
}

// watchedPaths lists the outline file and every external file of c.
func watchedPaths(c *commander.Commander) []string {
	var paths []string
	if c.Path() != "" {
		paths = append(paths, c.Path())
	}
	for _, p := range c.Tree().ExternalNodes() {
		paths = append(paths, outline.ExternalPath(p.V, c.BaseDir()))
	}
	return paths
}

func (w *Watcher) isOpen(c *commander.Commander) bool {
	for _, other := range w.source.Commanders() {
		if other == c {
			return true
		}
	}
	return false
}

func (w *Watcher) reload(c *commander.Commander, p outline.Position) error {
	if p.IsZero() {
		return c.Reload()
	}
	tree := c.Tree()
	if !tree.IsValid(p) {
		found, ok := tree.FindByGnx(p.V.Gnx)
		if !ok {
			return fmt.Errorf("node %s: %w", p.V.Gnx, commander.ErrNotFound)
		}
		p = found
	}
	return c.ReloadNode(p)
}

// record stores fresh signatures after a question is settled. A reloaded
// outline also re-reads its external files, so those are recorded too.
func (w *Watcher) record(c *commander.Commander, path string, p outline.Position) {
	w.Record(path)
	if p.IsZero() {
		for _, ext := range c.Tree().ExternalNodes() {
			w.Record(outline.ExternalPath(ext.V, c.BaseDir()))
		}
	}
}
