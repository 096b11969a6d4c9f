package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynote/internal/document"
	"github.com/agentworkforce/relaynote/internal/localstore"
)

const eventBuffer = 64

// changeFrame is one store change as sent to /v1/events subscribers.
// Clients re-read /v1/snapshot when they need the full tree.
type changeFrame struct {
	Origin     localstore.Origin     `json:"origin"`
	At         time.Time             `json:"at"`
	Placements []document.Placement  `json:"placements,omitempty"`
	Deletes    []localstore.Deletion `json:"deletes,omitempty"`
	Added      []document.EntityRef  `json:"added,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	frames := make(chan changeFrame, eventBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	// Observers run under the store lock, so a slow client is cut off
	// rather than allowed to stall writers.
	unsubscribe := s.deps.Store.Subscribe(func(c localstore.Change) {
		if overflowed {
			return
		}
		select {
		case frames <- changeFrame{Origin: c.Origin, At: c.At, Placements: c.Placements, Deletes: c.Deletes, Added: c.Added}:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("correlation_id", correlationFrom(r)).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-overflow:
			conn.Close(websocket.StatusTryAgainLater, "event buffer overflow")
			return
		case frame := <-frames:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("event client dropped")
				return
			}
		}
	}
}
