package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Sweeper is the slice of internal/janitor.Janitor the on-demand cleanup
// endpoint needs.
type Sweeper interface {
	Sweep(ctx context.Context)
}

type CleanupHandler struct {
	janitor Sweeper
}

func NewCleanupHandler(janitor Sweeper) *CleanupHandler {
	return &CleanupHandler{janitor: janitor}
}

// Trigger implements POST /api/cleanup, the operational escape hatch named
// in spec §11 for forcing a sweep outside the Janitor's regular cadence.
func (h *CleanupHandler) Trigger(ctx *gin.Context) {
	h.janitor.Sweep(ctx.Request.Context())
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}
