package connhub

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// sseSender adapts gin's chunked SSE writer to the sender interface so SSE
// observers can be registered in the same maps as websocket ones.
type sseSender struct {
	ch     chan any
	closed chan struct{}
}

func newSSESender() *sseSender {
	return &sseSender{ch: make(chan any, 32), closed: make(chan struct{})}
}

func (s *sseSender) send(v any) error {
	select {
	case <-s.closed:
		return http.ErrHandlerTimeout
	case s.ch <- v:
		return nil
	default:
		return http.ErrHandlerTimeout // backpressure: slow SSE reader, drop
	}
}

func (s *sseSender) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// ServeSSE streams events bound to observerID on jobID until the client
// disconnects, or until the sender is closed (ReleaseJob on a terminal job
// event, after the buffered frames are written). It is the fallback transport named
// in spec §4.4 for environments where websockets are unavailable.
func (h *Hub) ServeSSE(c *gin.Context, jobID, observerID string) {
	s := newSSESender()
	h.AddObserverSender(jobID, observerID, s)
	defer h.RemoveObserver(jobID, observerID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{"type": "connected", "job_id": jobID, "client_id": observerID})
	c.Writer.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		// Drain anything already buffered before ever honoring a close
		// signal: fanout's terminal-event path enqueues the last frame
		// into s.ch, then calls ReleaseJob (which closes s.closed), so the
		// two are frequently both ready at once and s.ch must win.
		select {
		case evt := <-s.ch:
			c.SSEvent("message", evt)
			c.Writer.Flush()
			continue
		default:
		}

		select {
		case <-c.Request.Context().Done():
			return
		case evt := <-s.ch:
			c.SSEvent("message", evt)
			c.Writer.Flush()
		case <-s.closed:
			for {
				select {
				case evt := <-s.ch:
					c.SSEvent("message", evt)
					c.Writer.Flush()
				default:
					return
				}
			}
		case <-ticker.C:
			c.SSEvent("ping", "1")
			c.Writer.Flush()
		}
	}
}
