package gateway

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"caseroom/pkg/bus"
	"caseroom/pkg/identity"
)

// transport abstracts the websocket so sessions can be driven by a fake in
// tests.
type transport interface {
	ReadJSON(ctx context.Context, v interface{}) error
	WriteJSON(ctx context.Context, v interface{}) error
	Close(reason string) error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) ReadJSON(ctx context.Context, v interface{}) error {
	return wsjson.Read(ctx, t.conn, v)
}

func (t wsTransport) WriteJSON(ctx context.Context, v interface{}) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, t.conn, v)
}

func (t wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// session is one live participant connection. It satisfies registry.Conn so
// the room registry can track it directly.
type session struct {
	id     string
	ident  identity.Identity
	tr     transport
	queue  *outQueue
	cancel context.CancelFunc
}

func (s *session) ID() string            { return s.id }
func (s *session) ParticipantID() string { return s.ident.ID }

// send queues an event for delivery. A false return means the connection
// could not absorb it and must be torn down.
func (s *session) send(evt bus.Event) bool {
	return s.queue.push(evt)
}
