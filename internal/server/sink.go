package server

import (
	"context"

	"github.com/coder/websocket"

	"github.com/clearpath-health/vigil/internal/stream"
)

// wsSink adapts a websocket connection to the [stream.Sink] the session
// manager writes envelopes to. The manager serializes Send calls per
// session, so no additional locking is needed here.
type wsSink struct {
	conn *websocket.Conn
}

var _ stream.Sink = (*wsSink)(nil)

func (s *wsSink) Send(ctx context.Context, env stream.Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}
