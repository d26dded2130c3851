// Package gateway terminates participant websockets and glues identity,
// room membership, presence, document sync and the fan-out bus together.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"caseroom/pkg/bus"
	"caseroom/pkg/docsync"
	"caseroom/pkg/feed"
	"caseroom/pkg/httpx"
	"caseroom/pkg/identity"
	"caseroom/pkg/metrics"
	"caseroom/pkg/presence"
	"caseroom/pkg/ratelimit"
	"caseroom/pkg/registry"
	"caseroom/pkg/store"
)

const (
	defaultQueueBound       = 128
	defaultHeartbeatTimeout = 30 * time.Second
	defaultChatPerMinute    = 30
	presenceCacheTTL        = 60 * time.Second
)

type Config struct {
	Verifier   *identity.Verifier
	Bus        bus.Bus
	Engine     *docsync.Engine
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Registry
	Cache      store.Cache
	InstanceID string

	QueueBound       int
	HeartbeatTimeout time.Duration
	ChatPerMinute    int
	AllowedOrigins   string
	PresenceCoalesce time.Duration
}

type roomSub struct {
	refs int
	sub  bus.Subscription
}

type Gateway struct {
	cfg      Config
	rooms    *registry.Registry
	presence *presence.Store

	mu       sync.Mutex
	sessions map[string]*session
	subs     map[string]*roomSub
}

func New(cfg Config) *Gateway {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = defaultQueueBound
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.ChatPerMinute <= 0 {
		cfg.ChatPerMinute = defaultChatPerMinute
	}
	g := &Gateway{
		cfg:      cfg,
		rooms:    registry.New(),
		presence: presence.NewStore(cfg.PresenceCoalesce),
		sessions: map[string]*session{},
		subs:     map[string]*roomSub{},
	}
	if cfg.Engine != nil {
		cfg.Engine.OnRemote(func(roomID string, evt bus.Event) {
			g.deliverLocal(roomID, evt, "")
		})
	}
	return g
}

func (g *Gateway) InstanceID() string { return g.cfg.InstanceID }

// HandleWS upgrades GET /v1/rooms/{caseID}/ws. The credential is checked
// before the upgrade so an unauthenticated caller gets a plain 401, not a
// broken socket.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := g.cfg.Verifier.Verify(identity.CredentialFromRequest(r))
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid credential")
		return
	}
	caseID := chi.URLParam(r, "caseID")
	if strings.TrimSpace(caseID) == "" {
		httpx.Error(w, http.StatusBadRequest, "case id required")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitOrigins(g.cfg.AllowedOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	g.Serve(r.Context(), wsTransport{conn: conn}, ident, caseID)
}

// Serve runs one connection to completion. It is split from HandleWS so
// tests can drive a fake transport.
func (g *Gateway) Serve(ctx context.Context, tr transport, ident identity.Identity, caseID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		id:     uuid.NewString(),
		ident:  ident,
		tr:     tr,
		cancel: cancel,
	}
	s.queue = newOutQueue(g.cfg.QueueBound, func(kind string) {
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.IncDropped(kind)
		}
	})

	g.mu.Lock()
	g.sessions[s.id] = s
	total := len(g.sessions)
	g.mu.Unlock()
	g.setGauge("connections", float64(total))

	ready := bus.NewEvent("ready", caseID, g.cfg.InstanceID, map[string]interface{}{
		"connectionId": s.id,
		"participant":  ident,
	})
	if err := tr.WriteJSON(ctx, ready); err != nil {
		g.disconnect(s)
		return
	}

	go g.writeLoop(ctx, s)
	g.join(ctx, s, caseID)
	g.readLoop(ctx, s)
	g.disconnect(s)
}

func (g *Gateway) readLoop(ctx context.Context, s *session) {
	for {
		var msg ClientMessage
		if err := s.tr.ReadJSON(ctx, &msg); err != nil {
			return
		}
		g.handle(ctx, s, msg)
	}
}

func (g *Gateway) writeLoop(ctx context.Context, s *session) {
	for {
		select {
		case <-ctx.Done():
			_ = s.tr.Close("closed")
			return
		case <-s.queue.ready():
			for {
				evt, ok := s.queue.pop()
				if !ok {
					break
				}
				if err := s.tr.WriteJSON(ctx, evt); err != nil {
					s.cancel()
					_ = s.tr.Close("write_failed")
					return
				}
			}
		}
	}
}

func (g *Gateway) handle(ctx context.Context, s *session, msg ClientMessage) {
	now := time.Now()
	switch msg.Kind {
	case KindJoinRoom:
		if msg.Room != "" {
			g.join(ctx, s, msg.Room)
		}
	case KindLeaveRoom:
		g.leave(ctx, s, msg.Room)
	case KindHeartbeat:
		for _, roomID := range g.roomsFor(s, msg.Room) {
			g.presence.Heartbeat(roomID, s.id, now)
		}
	case KindCursorMove:
		if !g.rooms.Member(s.id, msg.Room) {
			return
		}
		var p CursorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if g.presence.SetCursor(msg.Room, s.id, presence.Cursor{X: p.X, Y: p.Y}, now) {
			g.broadcastPresence(ctx, s, msg.Room)
		}
	case KindSectionFocus:
		var p FocusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if g.presence.SetFocus(msg.Room, s.id, p.Section, now) {
			g.broadcastPresence(ctx, s, msg.Room)
		}
	case KindTypingStart, KindTypingStop:
		if g.presence.SetTyping(msg.Room, s.id, msg.Kind == KindTypingStart, now) {
			g.broadcastPresence(ctx, s, msg.Room)
		}
	case KindChatSend:
		g.handleChat(ctx, s, msg, now)
	case KindDocOp:
		g.handleDocOp(ctx, s, msg)
	default:
		log.Printf("gateway: unknown message kind %q from %s", msg.Kind, s.ident.ID)
	}
}

func (g *Gateway) handleChat(ctx context.Context, s *session, msg ClientMessage, now time.Time) {
	if !g.rooms.Member(s.id, msg.Room) {
		return
	}
	var p ChatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || strings.TrimSpace(p.Text) == "" {
		return
	}
	if g.cfg.Limiter != nil {
		decision := g.cfg.Limiter.Allow("chat:"+s.ident.ID, g.cfg.ChatPerMinute)
		if !decision.Allowed {
			if g.cfg.Metrics != nil {
				g.cfg.Metrics.IncChatRejected()
			}
			s.send(bus.NewEvent("error", msg.Room, g.cfg.InstanceID, map[string]interface{}{
				"reason":  "rate-limited",
				"resetAt": decision.ResetAt,
			}))
			return
		}
	}
	g.presence.Heartbeat(msg.Room, s.id, now)
	evt := bus.NewEvent("chat-message", msg.Room, g.cfg.InstanceID, ChatMessage{
		From:        s.ident.ID,
		DisplayName: s.ident.DisplayName,
		Text:        p.Text,
		At:          now.UTC(),
	})
	g.emit(ctx, msg.Room, evt, "")
}

func (g *Gateway) handleDocOp(ctx context.Context, s *session, msg ClientMessage) {
	if g.cfg.Engine == nil || !g.rooms.Member(s.id, msg.Room) {
		return
	}
	var p DocEditPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.DocID == "" {
		return
	}
	evt, err := g.cfg.Engine.ApplyEdit(ctx, p.DocID, msg.Room, docsync.Edit{
		Action: p.Action,
		Index:  p.Index,
		Value:  p.Value,
	})
	if err != nil {
		s.send(bus.NewEvent("error", msg.Room, g.cfg.InstanceID, map[string]interface{}{
			"reason": "invalid-doc-op",
			"detail": err.Error(),
		}))
		return
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.IncDocOp()
	}
	// The engine already published to the doc channel for other instances;
	// local members only need direct delivery.
	g.deliverLocal(msg.Room, evt, s.id)
}

func (g *Gateway) broadcastPresence(ctx context.Context, s *session, roomID string) {
	entry, ok := g.presence.Get(roomID, s.id)
	if !ok {
		return
	}
	evt := bus.NewEvent("presence-updated", roomID, g.cfg.InstanceID, entry)
	g.emit(ctx, roomID, evt, s.id)
}

// emit delivers an event to local room members and publishes it for other
// instances. Publish failure degrades to local-only delivery.
func (g *Gateway) emit(ctx context.Context, roomID string, evt bus.Event, exceptConnID string) {
	g.deliverLocal(roomID, evt, exceptConnID)
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.IncPublished(evt.Kind)
	}
	if err := g.cfg.Bus.Publish(ctx, bus.RoomChannel(roomID), evt); err != nil {
		log.Printf("gateway: publish %s to %s failed, local-only: %v", evt.Kind, roomID, err)
	}
}

func (g *Gateway) deliverLocal(roomID string, evt bus.Event, exceptConnID string) {
	var delivered int64
	for _, c := range g.rooms.MembersOf(roomID) {
		if c.ID() == exceptConnID {
			continue
		}
		g.mu.Lock()
		s := g.sessions[c.ID()]
		g.mu.Unlock()
		if s == nil {
			continue
		}
		if !s.send(evt) {
			log.Printf("gateway: closing %s, outbound queue wedged", s.ident.ID)
			s.cancel()
			continue
		}
		delivered++
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.AddDelivered(evt.Kind, delivered)
	}
}

func (g *Gateway) join(ctx context.Context, s *session, roomID string) {
	isNew := g.rooms.Join(s, roomID)
	now := time.Now()
	entry := presence.Entry{
		ParticipantID: s.ident.ID,
		ConnectionID:  s.id,
		DisplayName:   s.ident.DisplayName,
		ColorHint:     s.ident.ColorHint,
		LastSeenAt:    now,
	}
	g.presence.Join(roomID, entry, true)

	if isNew {
		g.ensureRoomSub(ctx, roomID)
		g.setGauge("rooms", float64(len(g.roomCounts())))
		g.loadPresenceHint(ctx, roomID)
		// Other instances answer with presence-state events for members we
		// cannot see yet.
		if err := g.cfg.Bus.Publish(ctx, bus.RoomChannel(roomID),
			bus.NewEvent("presence-sync-request", roomID, g.cfg.InstanceID, nil)); err != nil {
			log.Printf("gateway: presence sync request %s: %v", roomID, err)
		}
	}
	// Announced on every join, not only the first: clients re-join to
	// recover from a missed announcement.
	g.emit(ctx, roomID, bus.NewEvent("joined", roomID, g.cfg.InstanceID, entry), s.id)

	s.send(bus.NewEvent("presence-sync", roomID, g.cfg.InstanceID, g.presence.Snapshot(roomID)))
	g.storePresenceHint(ctx, roomID)
}

func (g *Gateway) leave(ctx context.Context, s *session, roomID string) {
	if !g.rooms.Leave(s.id, roomID) {
		return
	}
	if entry, ok := g.presence.Remove(roomID, s.id); ok {
		g.emit(ctx, roomID, bus.NewEvent("left", roomID, g.cfg.InstanceID, entry), s.id)
	}
	g.releaseRoomSub(roomID)
	g.storePresenceHint(ctx, roomID)
	g.setGauge("rooms", float64(len(g.roomCounts())))
}

func (g *Gateway) disconnect(s *session) {
	ctx := context.Background()
	for _, roomID := range g.rooms.CloseConnection(s.id) {
		if entry, ok := g.presence.Remove(roomID, s.id); ok {
			g.emit(ctx, roomID, bus.NewEvent("left", roomID, g.cfg.InstanceID, entry), s.id)
		}
		g.releaseRoomSub(roomID)
		g.storePresenceHint(ctx, roomID)
	}
	g.mu.Lock()
	delete(g.sessions, s.id)
	total := len(g.sessions)
	g.mu.Unlock()
	s.queue.close()
	s.cancel()
	g.setGauge("connections", float64(total))
	g.setGauge("rooms", float64(len(g.roomCounts())))
}

// Run sweeps expired presence until ctx is done. Entries that miss
// heartbeats are evicted and announced as departures; their local sessions,
// if any, are torn down.
func (g *Gateway) Run(ctx context.Context) {
	interval := g.cfg.HeartbeatTimeout / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for roomID, entries := range g.presence.SweepExpired(g.cfg.HeartbeatTimeout, now) {
				for _, entry := range entries {
					g.emit(ctx, roomID, bus.NewEvent("left", roomID, g.cfg.InstanceID, entry), entry.ConnectionID)
					g.mu.Lock()
					stale := g.sessions[entry.ConnectionID]
					g.mu.Unlock()
					if stale != nil {
						stale.cancel()
					}
				}
				g.storePresenceHint(ctx, roomID)
			}
		}
	}
}

// roomLoop merges events published by other instances into local state and
// forwards them to local members.
func (g *Gateway) roomLoop(roomID string, sub bus.Subscription) {
	for evt := range sub.Events() {
		if evt.Origin == g.cfg.InstanceID {
			continue
		}
		switch evt.Kind {
		case "joined", "presence-updated", "presence-state":
			var entry presence.Entry
			if err := json.Unmarshal(evt.Data, &entry); err == nil {
				g.presence.Apply(roomID, entry)
			}
		case "left":
			var entry presence.Entry
			if err := json.Unmarshal(evt.Data, &entry); err == nil {
				g.presence.RemoveDerived(roomID, entry.ConnectionID)
			}
		case "presence-sync-request":
			g.answerSyncRequest(roomID)
			continue
		}
		g.deliverLocal(roomID, evt, "")
	}
}

func (g *Gateway) answerSyncRequest(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, entry := range g.presence.OwnedSnapshot(roomID) {
		evt := bus.NewEvent("presence-state", roomID, g.cfg.InstanceID, entry)
		if err := g.cfg.Bus.Publish(ctx, bus.RoomChannel(roomID), evt); err != nil {
			log.Printf("gateway: presence state answer %s: %v", roomID, err)
			return
		}
	}
}

func (g *Gateway) ensureRoomSub(ctx context.Context, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rs, ok := g.subs[roomID]; ok {
		rs.refs++
		return
	}
	sub, err := g.cfg.Bus.Subscribe(ctx, bus.RoomChannel(roomID))
	if err != nil {
		// Degraded mode: local members still see each other's events
		// through direct delivery.
		log.Printf("gateway: subscribe %s: %v", roomID, err)
		return
	}
	g.subs[roomID] = &roomSub{refs: 1, sub: sub}
	go g.roomLoop(roomID, sub)
}

func (g *Gateway) releaseRoomSub(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.subs[roomID]
	if !ok {
		return
	}
	rs.refs--
	if rs.refs > 0 {
		return
	}
	delete(g.subs, roomID)
	_ = rs.sub.Close()
}

// loadPresenceHint seeds the roster from the shared cache so a joiner on a
// fresh instance sees remote members before sync answers arrive.
func (g *Gateway) loadPresenceHint(ctx context.Context, roomID string) {
	if g.cfg.Cache == nil {
		return
	}
	raw, err := g.cfg.Cache.Get(ctx, store.PresenceHintKey(roomID))
	if err != nil || raw == "" {
		return
	}
	var entries []presence.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return
	}
	for _, entry := range entries {
		g.presence.Apply(roomID, entry)
	}
}

func (g *Gateway) storePresenceHint(ctx context.Context, roomID string) {
	if g.cfg.Cache == nil {
		return
	}
	owned := g.presence.OwnedSnapshot(roomID)
	if len(owned) == 0 {
		_ = g.cfg.Cache.Del(ctx, store.PresenceHintKey(roomID))
		return
	}
	raw, err := json.Marshal(owned)
	if err != nil {
		return
	}
	_ = g.cfg.Cache.Set(ctx, store.PresenceHintKey(roomID), string(raw), presenceCacheTTL)
}

func (g *Gateway) roomsFor(s *session, roomID string) []string {
	if roomID != "" {
		return []string{roomID}
	}
	return g.rooms.RoomsOf(s.id)
}

func (g *Gateway) roomCounts() map[string]*roomSub {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]*roomSub, len(g.subs))
	for k, v := range g.subs {
		out[k] = v
	}
	return out
}

// UpdateSource yields durable case updates, typically the Kafka feed.
type UpdateSource interface {
	ReadUpdate(ctx context.Context) (feed.Update, error)
}

// RunFeed delivers case updates from the durable feed to local members of
// the matching case room. Blocks until ctx is cancelled. Deployments that
// announce updates over the bus instead leave the feed unconfigured.
func (g *Gateway) RunFeed(ctx context.Context, src UpdateSource) {
	for {
		upd, err := src.ReadUpdate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("gateway: feed read: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		evt := bus.NewEvent("case-updated", upd.CaseID, g.cfg.InstanceID, upd)
		g.deliverLocal(upd.CaseID, evt, "")
	}
}

func (g *Gateway) setGauge(name string, value float64) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.SetGauge(name, value)
	}
}

func splitOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
