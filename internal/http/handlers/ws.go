package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/stakeordie/jobqueue/internal/connhub"
)

// WSHandler wires the three websocket namespaces and the SSE fallback from
// spec §4.4 onto gin routes.
type WSHandler struct {
	hub       *connhub.Hub
	snapshots connhub.SnapshotSource
}

func NewWSHandler(hub *connhub.Hub, snapshots connhub.SnapshotSource) *WSHandler {
	return &WSHandler{hub: hub, snapshots: snapshots}
}

// Monitor handles GET /ws/monitor/:id.
func (h *WSHandler) Monitor(ctx *gin.Context) {
	h.hub.ServeMonitor(ctx, h.snapshots)
}

// Client handles GET /ws/client/:id.
func (h *WSHandler) Client(ctx *gin.Context) {
	h.hub.ServeClient(ctx)
}

// Observer handles GET /ws/:jobId, the shared onlooker namespace.
func (h *WSHandler) Observer(ctx *gin.Context) {
	h.hub.ServeObserver(ctx, ctx.Param("jobId"))
}

// ObserverSSE handles GET /api/jobs/:id/progress, the SSE fallback
// transport for one-shot progress subscriptions (spec §4.4, §6).
func (h *WSHandler) ObserverSSE(ctx *gin.Context) {
	observerID := ctx.Query("observerId")
	if observerID == "" {
		observerID = ctx.ClientIP() + ":" + ctx.GetHeader("User-Agent")
	}
	h.hub.ServeSSE(ctx, ctx.Param("id"), observerID)
}
