package connhub

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// upgrader is shared by every websocket namespace. CheckOrigin accepts
// every origin; the CORS allow-list wired in internal/http/router.go does
// not apply to websocket upgrades.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeMonitor upgrades GET /ws/monitor/:id into a long-lived monitor
// connection, registers it for live fanout, then dispatches its inbound
// protocol (spec §4.4 "Monitor protocols") until the peer disconnects. The
// full-state snapshot is sent lazily, in reply to an inbound
// monitor_connect{request_full_state:true}, not unconditionally on upgrade.
func (h *Hub) ServeMonitor(c *gin.Context, snapshots SnapshotSource) {
	monitorID := c.Param("id")
	if monitorID == "" {
		monitorID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("connhub: monitor upgrade failed", "err", err)
		}
		return
	}

	var topics []string
	if q := c.Query("topics"); q != "" {
		topics = strings.Split(q, ",")
	}

	h.AddMonitor(monitorID, conn, topics)
	h.monitorReadLoop(c.Request.Context(), conn, monitorID, snapshots)
}

// ServeClient upgrades GET /ws/client/:id into the submitting-client
// connection, then dispatches its inbound protocol (spec §4.4 "Client
// protocols") until the peer disconnects.
func (h *Hub) ServeClient(c *gin.Context) {
	clientID := c.Param("id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("connhub: client upgrade failed", "err", err)
		}
		return
	}

	h.AddClient(clientID, conn)
	h.clientReadLoop(c.Request.Context(), conn, clientID)
}

// ServeObserver upgrades GET /ws/:jobId into the shared observer namespace
// any number of onlookers may join without being the submitting client.
func (h *Hub) ServeObserver(c *gin.Context, jobID string) {
	observerID := uuid.NewString()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("connhub: observer upgrade failed", "err", err)
		}
		return
	}

	h.AddObserver(jobID, observerID, conn)
	h.readUntilClose(conn, func() { h.RemoveObserver(jobID, observerID) })
}

// readUntilClose discards inbound frames (these namespaces are
// push-only except for client-initiated pings) until the peer disconnects,
// then runs cleanup. Blocking read is what detects a dropped TCP connection.
func (h *Hub) readUntilClose(conn *websocket.Conn, cleanup func()) {
	defer cleanup()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
