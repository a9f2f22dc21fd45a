package connhub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stakeordie/jobqueue/internal/domain/job"
)

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func errorReply(messageID, reason string) gin.H {
	return gin.H{"type": "error", "message_id": messageID, "reason": reason, "timestamp": nowMs()}
}

func ackReply(messageID, kind string) gin.H {
	return gin.H{"type": kind + "_ack", "message_id": messageID, "timestamp": nowMs()}
}

// inboundMonitorMsg is the envelope for spec §4.4's monitor protocol:
// {type:"monitor_connect"|"subscribe"|"heartbeat", topics?, request_full_state?}.
type inboundMonitorMsg struct {
	ID               string   `json:"id,omitempty"`
	Type             string   `json:"type"`
	Topics           []string `json:"topics,omitempty"`
	RequestFullState bool     `json:"request_full_state,omitempty"`
}

// monitorReadLoop dispatches inbound monitor_connect/subscribe/heartbeat
// messages and replies with typed acks (or a full_state_snapshot, or a
// typed error on an unrecognized kind) until the peer disconnects.
func (h *Hub) monitorReadLoop(ctx context.Context, conn *websocket.Conn, monitorID string, snapshots SnapshotSource) {
	defer h.RemoveMonitor(monitorID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMonitorMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendToMonitor(monitorID, errorReply("", "malformed message"))
			continue
		}

		switch msg.Type {
		case "monitor_connect":
			h.handleMonitorConnect(ctx, monitorID, msg, snapshots)
		case "subscribe":
			h.setMonitorTopics(monitorID, msg.Topics)
			h.sendToMonitor(monitorID, ackReply(msg.ID, "subscribe"))
		case "heartbeat":
			h.sendToMonitor(monitorID, ackReply(msg.ID, "heartbeat"))
		default:
			h.sendToMonitor(monitorID, errorReply(msg.ID, "unknown message type: "+msg.Type))
		}
	}
}

func (h *Hub) handleMonitorConnect(ctx context.Context, monitorID string, msg inboundMonitorMsg, snapshots SnapshotSource) {
	if !msg.RequestFullState {
		h.sendToMonitor(monitorID, ackReply(msg.ID, "monitor_connect"))
		return
	}
	if snapshots == nil {
		h.sendToMonitor(monitorID, errorReply(msg.ID, "full state snapshot unavailable"))
		return
	}

	snap, err := snapshots.BuildSnapshot(ctx)
	if err != nil {
		if h.log != nil {
			h.log.Warn("connhub: snapshot build failed", "err", err)
		}
		h.sendToMonitor(monitorID, errorReply(msg.ID, "snapshot build failed"))
		return
	}

	h.sendToMonitor(monitorID, gin.H{
		"type":       "full_state_snapshot",
		"message_id": msg.ID,
		"timestamp":  nowMs(),
		"snapshot":   snap,
	})
}

// inboundClientMsg is the envelope for spec §4.4's client protocol:
// {id, type:"submit_job"|"subscribe_progress"|"unsubscribe_progress"|
// "get_job_status"|"cancel_job", ...}. submit_job inlines the same
// submission fields HTTP POST /api/jobs accepts; the rest key off job_id.
type inboundClientMsg struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	job.CreateRequest
}

// clientReadLoop dispatches inbound submit_job/subscribe_progress/
// unsubscribe_progress/get_job_status/cancel_job messages until the peer
// disconnects, replying with message_id-echoing acks or a typed error.
func (h *Hub) clientReadLoop(ctx context.Context, conn *websocket.Conn, clientID string) {
	defer h.RemoveClient(clientID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendToClient(clientID, errorReply("", "malformed message"))
			continue
		}

		switch msg.Type {
		case "submit_job":
			h.handleSubmitJob(ctx, clientID, msg)
		case "subscribe_progress":
			h.handleSubscribeProgress(clientID, msg)
		case "unsubscribe_progress":
			h.handleUnsubscribeProgress(clientID, msg)
		case "get_job_status":
			h.handleGetJobStatus(ctx, clientID, msg)
		case "cancel_job":
			h.handleCancelJob(ctx, clientID, msg)
		default:
			h.sendToClient(clientID, errorReply(msg.ID, "unknown message type: "+msg.Type))
		}
	}
}

func (h *Hub) handleSubmitJob(ctx context.Context, clientID string, msg inboundClientMsg) {
	if h.ops == nil {
		h.sendToClient(clientID, errorReply(msg.ID, "submission unavailable"))
		return
	}
	if msg.ServiceRequired == "" {
		h.sendToClient(clientID, errorReply(msg.ID, "serviceRequired is required"))
		return
	}

	jobID, err := h.ops.Submit(ctx, msg.CreateRequest)
	if err != nil {
		h.sendToClient(clientID, errorReply(msg.ID, "submit failed: "+err.Error()))
		return
	}

	h.BindSubmitter(jobID, clientID)
	h.sendToClient(clientID, gin.H{
		"type":       "submit_job_ack",
		"message_id": msg.ID,
		"job_id":     jobID,
		"timestamp":  nowMs(),
	})
}

func (h *Hub) handleSubscribeProgress(clientID string, msg inboundClientMsg) {
	if msg.JobID == "" {
		h.sendToClient(clientID, errorReply(msg.ID, "job_id is required"))
		return
	}
	h.subscribeClientToJob(msg.JobID, clientID)
	h.sendToClient(clientID, ackReply(msg.ID, "subscribe_progress"))
}

func (h *Hub) handleUnsubscribeProgress(clientID string, msg inboundClientMsg) {
	if msg.JobID == "" {
		h.sendToClient(clientID, errorReply(msg.ID, "job_id is required"))
		return
	}
	h.unsubscribeClientFromJob(msg.JobID, clientID)
	h.sendToClient(clientID, ackReply(msg.ID, "unsubscribe_progress"))
}

func (h *Hub) handleGetJobStatus(ctx context.Context, clientID string, msg inboundClientMsg) {
	if h.ops == nil {
		h.sendToClient(clientID, errorReply(msg.ID, "lookup unavailable"))
		return
	}
	if msg.JobID == "" {
		h.sendToClient(clientID, errorReply(msg.ID, "job_id is required"))
		return
	}

	j, err := h.ops.GetJob(ctx, msg.JobID)
	if err != nil {
		h.sendToClient(clientID, errorReply(msg.ID, "job not found"))
		return
	}

	h.sendToClient(clientID, gin.H{
		"type":       "job_status",
		"message_id": msg.ID,
		"job":        j,
		"timestamp":  nowMs(),
	})
}

func (h *Hub) handleCancelJob(ctx context.Context, clientID string, msg inboundClientMsg) {
	if h.ops == nil {
		h.sendToClient(clientID, errorReply(msg.ID, "cancellation unavailable"))
		return
	}
	if msg.JobID == "" {
		h.sendToClient(clientID, errorReply(msg.ID, "job_id is required"))
		return
	}

	if err := h.ops.Cancel(ctx, msg.JobID, msg.Reason); err != nil {
		h.sendToClient(clientID, errorReply(msg.ID, "cancel failed: "+err.Error()))
		return
	}

	h.sendToClient(clientID, ackReply(msg.ID, "cancel_job"))
}
