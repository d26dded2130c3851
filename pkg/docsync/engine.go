package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"caseroom/pkg/bus"
)

// SnapshotStore is the engine's only durability boundary. Fetch returns
// (nil, nil) when no snapshot exists yet.
type SnapshotStore interface {
	Fetch(ctx context.Context, docID string) ([]byte, error)
	Store(ctx context.Context, docID string, snapshot []byte) error
}

// OpEnvelope is the bus payload for one document operation.
type OpEnvelope struct {
	DocID string    `json:"docId"`
	Op    Operation `json:"op"`
}

// RemoteHandler is invoked after a remote operation has been merged, so the
// gateway can forward it to local room members.
type RemoteHandler func(roomID string, evt bus.Event)

type docState struct {
	mu         sync.Mutex
	replica    *Replica
	roomID     string
	sub        bus.Subscription
	opsSince   int
	lastFlush  time.Time
	unsent     []pendingPublish
	flushFails int
}

type pendingPublish struct {
	channel string
	evt     bus.Event
}

// Engine owns every open document replica on this process. Edits apply
// locally first, then replicate over the bus; the CRDT absorbs any
// cross-site reordering, so the engine does not depend on bus ordering.
type Engine struct {
	mu       sync.Mutex
	docs     map[string]*docState
	bus      bus.Bus
	store    SnapshotStore
	site     string
	onRemote RemoteHandler

	CompactAfterOps int
	FlushInterval   time.Duration
}

// OnRemote replaces the remote-merge callback. Call it before any document
// is opened.
func (e *Engine) OnRemote(h RemoteHandler) {
	e.mu.Lock()
	e.onRemote = h
	e.mu.Unlock()
}

func NewEngine(b bus.Bus, store SnapshotStore, site string, onRemote RemoteHandler) *Engine {
	return &Engine{
		docs:            map[string]*docState{},
		bus:             b,
		store:           store,
		site:            site,
		onRemote:        onRemote,
		CompactAfterOps: 512,
		FlushInterval:   30 * time.Second,
	}
}

// Open loads (or creates) a replica for the document and starts merging
// remote operations from its bus channel. Opening an already-open document
// is a no-op. The room association is recorded so remote operations can be
// routed to the right local members.
func (e *Engine) Open(ctx context.Context, docID, roomID string) error {
	e.mu.Lock()
	if _, ok := e.docs[docID]; ok {
		e.mu.Unlock()
		return nil
	}
	ds := &docState{replica: NewReplica(docID, e.site), roomID: roomID, lastFlush: time.Now()}
	e.docs[docID] = ds
	e.mu.Unlock()

	if data, err := e.store.Fetch(ctx, docID); err != nil {
		// Degraded but not fatal: the replica starts empty and converges
		// from live operations; persistence resumes on the next flush.
		log.Printf("docsync: fetch snapshot %s: %v", docID, err)
	} else if data != nil {
		if err := ds.replica.LoadSnapshot(data); err != nil {
			log.Printf("docsync: corrupt snapshot %s: %v", docID, err)
		}
	}

	sub, err := e.bus.Subscribe(ctx, bus.DocChannel(docID))
	if err != nil {
		return fmt.Errorf("docsync: subscribe %s: %w", docID, err)
	}
	ds.sub = sub
	go e.mergeLoop(ds, sub)
	return nil
}

func (e *Engine) mergeLoop(ds *docState, sub bus.Subscription) {
	for evt := range sub.Events() {
		if evt.Origin == e.site {
			continue
		}
		var env OpEnvelope
		if err := json.Unmarshal(evt.Data, &env); err != nil {
			log.Printf("docsync: dropping undecodable op: %v", err)
			continue
		}
		ds.mu.Lock()
		ds.replica.Apply(env.Op)
		ds.opsSince++
		roomID := ds.roomID
		ds.mu.Unlock()
		e.mu.Lock()
		handler := e.onRemote
		e.mu.Unlock()
		if handler != nil {
			handler(roomID, evt)
		}
	}
}

// ApplyEdit applies a local edit optimistically and publishes the stamped
// operation. The local apply stands even when publish fails; the operation
// is queued and redelivered by the flush loop, never silently dropped.
func (e *Engine) ApplyEdit(ctx context.Context, docID, roomID string, edit Edit) (bus.Event, error) {
	if err := e.Open(ctx, docID, roomID); err != nil {
		return bus.Event{}, err
	}
	e.mu.Lock()
	ds := e.docs[docID]
	e.mu.Unlock()

	ds.mu.Lock()
	op, err := ds.replica.ApplyEdit(edit)
	if err != nil {
		ds.mu.Unlock()
		return bus.Event{}, err
	}
	ds.opsSince++
	env := OpEnvelope{DocID: docID, Op: op}
	evt := bus.NewEvent("doc-op", roomID, e.site, env)
	ds.mu.Unlock()

	if err := e.bus.Publish(ctx, bus.DocChannel(docID), evt); err != nil {
		log.Printf("docsync: publish %s failed, queued for retry: %v", docID, err)
		ds.mu.Lock()
		ds.unsent = append(ds.unsent, pendingPublish{channel: bus.DocChannel(docID), evt: evt})
		ds.mu.Unlock()
	}
	return evt, nil
}

// Content returns the materialized text of an open document.
func (e *Engine) Content(docID string) (string, bool) {
	e.mu.Lock()
	ds, ok := e.docs[docID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.replica.Content(), true
}

// Run drives publish retries and periodic compaction until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.FlushAll(context.Background())
			return
		case <-ticker.C:
			e.retryUnsent(ctx)
			e.FlushAll(ctx)
		}
	}
}

func (e *Engine) retryUnsent(ctx context.Context) {
	for _, ds := range e.snapshotDocs() {
		ds.mu.Lock()
		queued := ds.unsent
		ds.unsent = nil
		ds.mu.Unlock()
		for i, p := range queued {
			if err := e.bus.Publish(ctx, p.channel, p.evt); err != nil {
				ds.mu.Lock()
				ds.unsent = append(queued[i:], ds.unsent...)
				ds.mu.Unlock()
				break
			}
		}
	}
}

// FlushAll compacts and persists every document that accumulated enough
// operations or whose flush interval elapsed. Store failures back off and
// retry on the next pass; the in-memory replica keeps every applied edit.
func (e *Engine) FlushAll(ctx context.Context) {
	now := time.Now()
	for _, ds := range e.snapshotDocs() {
		ds.mu.Lock()
		due := ds.opsSince >= e.CompactAfterOps ||
			(ds.opsSince > 0 && now.Sub(ds.lastFlush) >= e.FlushInterval)
		if !due {
			ds.mu.Unlock()
			continue
		}
		data, err := ds.replica.Snapshot()
		docID := ds.replica.DocID()
		ds.mu.Unlock()
		if err != nil {
			log.Printf("docsync: snapshot %s: %v", docID, err)
			continue
		}
		if err := e.storeWithRetry(ctx, docID, data); err != nil {
			ds.mu.Lock()
			ds.flushFails++
			ds.mu.Unlock()
			log.Printf("docsync: persist %s: %v", docID, err)
			continue
		}
		ds.mu.Lock()
		ds.opsSince = 0
		ds.flushFails = 0
		ds.lastFlush = now
		ds.mu.Unlock()
	}
}

func (e *Engine) storeWithRetry(ctx context.Context, docID string, data []byte) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err = e.store.Store(ctx, docID, data); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (e *Engine) snapshotDocs() []*docState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*docState, 0, len(e.docs))
	for _, ds := range e.docs {
		out = append(out, ds)
	}
	return out
}

// Close unsubscribes every document after a final flush.
func (e *Engine) Close(ctx context.Context) {
	e.FlushAll(ctx)
	for _, ds := range e.snapshotDocs() {
		if ds.sub != nil {
			_ = ds.sub.Close()
		}
	}
}
