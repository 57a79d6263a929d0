package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"satutoko/internal/appdata"
	"satutoko/pkg/logger"
)

// Status is the connection state a device shows its user. Network failures
// are never fatal: they degrade the status to OFFLINE and the device keeps
// working against the local cache.
type Status string

const (
	StatusOffline   Status = "OFFLINE"
	StatusSyncing   Status = "SYNCING"
	StatusConnected Status = "CONNECTED"
)

// activity is the engine's own scheduling state. Modelling it as one value
// makes invalid overlaps (polling while a push is in flight) structurally
// impossible instead of guarded by free-floating flags.
type activity int

const (
	actIdle activity = iota
	actDebouncing
	actPushing
	actPolling
)

// ErrNotFound is returned by a Remote when the store has no document yet.
// The engine maps it to the canonical empty document, never to an error.
var ErrNotFound = errors.New("remote document not found")

// Remote is the minimal write path: replace one collection remotely. The
// push channel implements exactly this.
type Remote interface {
	PatchCollection(ctx context.Context, key appdata.CollectionKey, data json.RawMessage) error
}

// DocumentRemote additionally supports whole-document reads and publishes;
// the HTTP store implements it and enables the polling loop.
type DocumentRemote interface {
	Remote
	Fetch(ctx context.Context) (*appdata.AppData, error)
	Publish(ctx context.Context, doc *appdata.AppData) (*appdata.AppData, error)
}

// Cache is the durable device-local snapshot.
type Cache interface {
	LoadDocument(storeID string) (*appdata.AppData, error)
	SaveDocument(storeID string, doc *appdata.AppData) error
}

type Config struct {
	StoreID string

	// Debounce is how long after the last mutation a push fires; mutations
	// inside the window coalesce into one push.
	Debounce time.Duration
	// PollInterval drives the background pull loop (polling mode only).
	PollInterval time.Duration
	// RequestTimeout bounds every network call so a hung request degrades
	// to OFFLINE instead of stalling forever.
	RequestTimeout time.Duration

	Logger *zap.SugaredLogger
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 1500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 8 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 8 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.Sugar
	}
}

// Engine keeps a device's in-memory document consistent with the remote
// store across unreliable network conditions: local mutations are applied
// synchronously, cached immediately, and pushed after a debounce window;
// remote state arrives by background poll or push-channel broadcast and is
// reconciled last-writer-wins with a lossless user union.
type Engine struct {
	cfg    Config
	remote Remote
	cache  Cache
	log    *zap.SugaredLogger

	mu       sync.Mutex
	doc      *appdata.AppData
	status   Status
	act      activity
	pending  map[appdata.CollectionKey]json.RawMessage
	timer    *time.Timer
	onStatus func(Status)
}

// New builds an engine seeded from the local cache; a device starts OFFLINE
// and shows cached data until first contact.
func New(cfg Config, remote Remote, cache Cache) *Engine {
	cfg.defaults()
	cfg.StoreID = appdata.NormalizeStoreID(cfg.StoreID)

	doc, err := cache.LoadDocument(cfg.StoreID)
	if err != nil || doc == nil {
		doc = appdata.Initial()
	}

	return &Engine{
		cfg:     cfg,
		remote:  remote,
		cache:   cache,
		log:     cfg.Logger,
		doc:     doc,
		status:  StatusOffline,
		act:     actIdle,
		pending: make(map[appdata.CollectionKey]json.RawMessage),
	}
}

// SetRemote swaps the transport; the device agent uses it to attach the
// push channel after the engine exists, since the channel feeds broadcasts
// back into the engine.
func (e *Engine) SetRemote(r Remote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = r
}

// Document returns a copy of the held document.
func (e *Engine) Document() *appdata.AppData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetStatusListener registers a callback fired on every status change. The
// callback runs on its own goroutine; it must not block on the engine.
func (e *Engine) SetStatusListener(fn func(Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = fn
}

// transition must be called with the lock held.
func (e *Engine) transition(s Status) {
	if e.status == s {
		return
	}
	e.status = s
	if e.onStatus != nil {
		cb := e.onStatus
		go cb(s)
	}
}

// OnUpdate is the single mutation entrypoint for feature modules: it
// replaces the named collection wholesale, bumps lastUpdated, persists the
// cache immediately, and (re)arms the debounced push. A validation failure
// is returned synchronously and changes nothing.
func (e *Engine) OnUpdate(key appdata.CollectionKey, data json.RawMessage) error {
	e.mu.Lock()
	if err := e.doc.SetCollection(key, data); err != nil {
		e.mu.Unlock()
		return err
	}
	now := time.Now().UnixMilli()
	if now <= e.doc.LastUpdated {
		now = e.doc.LastUpdated + 1
	}
	e.doc.LastUpdated = now
	e.pending[key] = append(json.RawMessage(nil), data...)
	snapshot := e.doc.Clone()

	// Every mutation resets the debounce window; only after it elapses with
	// no further mutation does a push fire.
	if e.timer != nil {
		e.timer.Stop()
	}
	e.act = actDebouncing
	e.timer = time.AfterFunc(e.cfg.Debounce, e.flush)
	e.mu.Unlock()

	if err := e.cache.SaveDocument(e.cfg.StoreID, snapshot); err != nil {
		e.log.Errorf("Failed to cache document for store %s: %v", e.cfg.StoreID, err)
	}
	return nil
}

// flush pushes every collection mutated since the last flush. Failures are
// swallowed: the keys are re-queued and retried on the poll cadence while
// the local document stays the optimistic truth.
func (e *Engine) flush() {
	e.mu.Lock()
	if e.act == actPushing || len(e.pending) == 0 {
		if len(e.pending) == 0 {
			e.act = actIdle
		}
		e.mu.Unlock()
		return
	}
	batch := e.pending
	e.pending = make(map[appdata.CollectionKey]json.RawMessage)
	e.act = actPushing
	remote := e.remote
	e.transition(StatusSyncing)
	e.mu.Unlock()

	failed := make(map[appdata.CollectionKey]json.RawMessage)
	for key, data := range batch {
		if remote == nil {
			failed[key] = data
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		err := remote.PatchCollection(ctx, key, data)
		cancel()
		if err != nil {
			e.log.Warnf("Push of collection %s failed: %v", key, err)
			failed[key] = data
		}
	}

	e.mu.Lock()
	// Re-queue failures unless a newer edit already superseded them.
	for key, data := range failed {
		if _, ok := e.pending[key]; !ok {
			e.pending[key] = data
		}
	}
	e.act = actIdle
	if len(failed) > 0 {
		e.transition(StatusOffline)
	} else {
		e.transition(StatusConnected)
	}
	e.mu.Unlock()
}

// errPullSkipped marks a pull that never went to the network (push in
// flight, or push-channel mode where broadcasts replace polling). Distinct
// from a transport failure so ForceSync does not misreport it.
var errPullSkipped = errors.New("pull skipped")

// Pull issues a cache-busted read of the remote document and merges it into
// local state. It returns nil when there is nothing to apply (remote
// unreachable, push in flight, or push-channel mode) and callers keep using
// the held document.
func (e *Engine) Pull(ctx context.Context) *appdata.AppData {
	doc, _ := e.pull(ctx)
	return doc
}

func (e *Engine) pull(ctx context.Context) (*appdata.AppData, error) {
	e.mu.Lock()
	dr, ok := e.remote.(DocumentRemote)
	e.mu.Unlock()
	if !ok {
		// Push-channel mode: the document arrives via broadcasts instead.
		return nil, errPullSkipped
	}

	e.mu.Lock()
	if e.act == actPushing {
		// Never let a poll race the confirmation window of a push.
		e.mu.Unlock()
		return nil, errPullSkipped
	}
	prev := e.act
	e.act = actPolling
	e.transition(StatusSyncing)
	e.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	incoming, err := dr.Fetch(fetchCtx)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A store with no document yet is not an error.
			incoming = appdata.Initial()
		} else {
			e.log.Warnf("Pull failed for store %s: %v", e.cfg.StoreID, err)
			e.mu.Lock()
			e.restoreActivity(prev)
			e.transition(StatusOffline)
			e.mu.Unlock()
			return nil, err
		}
	}

	e.mu.Lock()
	merged := appdata.Merge(e.doc, incoming)
	e.doc = merged
	e.restoreActivity(prev)
	e.transition(StatusConnected)
	out := merged.Clone()
	e.mu.Unlock()

	if err := e.cache.SaveDocument(e.cfg.StoreID, out); err != nil {
		e.log.Errorf("Failed to cache document for store %s: %v", e.cfg.StoreID, err)
	}
	return out, nil
}

// restoreActivity must be called with the lock held. A debounce flush may
// have taken over the activity while a pull was on the network; the flush
// owns the state until it completes, so only a still-polling engine goes
// back to what it was doing before.
func (e *Engine) restoreActivity(prev activity) {
	if e.act == actPolling {
		e.act = prev
	}
}

// Run drives the background poll: one immediate pull, then a fixed
// interval. The interval doubles as the retry mechanism for failed pushes;
// there is no backoff.
func (e *Engine) Run(ctx context.Context) {
	e.Pull(ctx)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Pull(ctx)
			e.retryPending()
		}
	}
}

func (e *Engine) retryPending() {
	e.mu.Lock()
	hasPending := e.act == actIdle && len(e.pending) > 0
	e.mu.Unlock()
	if hasPending {
		e.flush()
	}
}

// ForceSync is the explicit "sync now" action: pull, push everything
// pending, and report success or failure for the UI prompt.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.Lock()
	dr, ok := e.remote.(DocumentRemote)
	e.mu.Unlock()
	if ok {
		// A pull skipped because a push holds the activity is not a
		// failure; the publish below still carries the local state up.
		if doc, err := e.pull(ctx); doc == nil && !errors.Is(err, errPullSkipped) {
			return errors.New("sync failed: remote store unreachable")
		}
		pubCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		merged, err := dr.Publish(pubCtx, e.Document())
		cancel()
		if err != nil {
			e.markOffline()
			return errors.New("sync failed: could not publish document")
		}
		e.ApplyRemoteDocument(merged)
		e.mu.Lock()
		e.pending = make(map[appdata.CollectionKey]json.RawMessage)
		e.mu.Unlock()
		return nil
	}

	e.flush()
	if e.Status() == StatusOffline {
		return errors.New("sync failed: could not push pending changes")
	}
	return nil
}

// ApplyRemoteDocument merges a full document received over the push channel
// (room join, publish rebroadcast) into local state.
func (e *Engine) ApplyRemoteDocument(doc *appdata.AppData) {
	if doc == nil {
		return
	}
	e.mu.Lock()
	e.doc = appdata.Merge(e.doc, doc)
	e.transition(StatusConnected)
	snapshot := e.doc.Clone()
	e.mu.Unlock()

	if err := e.cache.SaveDocument(e.cfg.StoreID, snapshot); err != nil {
		e.log.Errorf("Failed to cache document for store %s: %v", e.cfg.StoreID, err)
	}
}

// ApplyRemotePatch applies a data-updated broadcast. The hub echoes every
// update to its sender too, so redundant applications are suppressed: a
// payload identical to the held collection is dropped, and a stale stamp
// never overwrites a collection with unpushed local edits.
func (e *Engine) ApplyRemotePatch(key appdata.CollectionKey, data json.RawMessage, lastUpdated int64) error {
	e.mu.Lock()
	if cur, err := e.doc.Collection(key); err == nil && jsonEqual(cur, data) {
		if lastUpdated > e.doc.LastUpdated {
			e.doc.LastUpdated = lastUpdated
		}
		e.transition(StatusConnected)
		e.mu.Unlock()
		return nil
	}
	if _, dirty := e.pending[key]; dirty && lastUpdated <= e.doc.LastUpdated {
		e.mu.Unlock()
		return nil
	}
	if err := e.doc.SetCollection(key, data); err != nil {
		e.mu.Unlock()
		return err
	}
	if lastUpdated > e.doc.LastUpdated {
		e.doc.LastUpdated = lastUpdated
	}
	e.transition(StatusConnected)
	snapshot := e.doc.Clone()
	e.mu.Unlock()

	if err := e.cache.SaveDocument(e.cfg.StoreID, snapshot); err != nil {
		e.log.Errorf("Failed to cache document for store %s: %v", e.cfg.StoreID, err)
	}
	return nil
}

// jsonEqual compares two JSON payloads ignoring whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func (e *Engine) markOffline() {
	e.mu.Lock()
	e.transition(StatusOffline)
	e.mu.Unlock()
}

// ConnectionLost flips the status to OFFLINE; the push channel calls it when
// its connection drops.
func (e *Engine) ConnectionLost() { e.markOffline() }

// Reset reinitializes the session in place: pending pushes are dropped, the
// debounce timer is disarmed, and the document reloads from the local cache.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = make(map[appdata.CollectionKey]json.RawMessage)
	e.act = actIdle
	e.transition(StatusOffline)

	doc, err := e.cache.LoadDocument(e.cfg.StoreID)
	if err != nil || doc == nil {
		doc = appdata.Initial()
	}
	e.doc = doc
	e.mu.Unlock()
}
