package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/transport"
	"github.com/haasonsaas/relay/pkg/models"
)

type completeRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	Stream   bool   `json:"stream"`
}

type completeResponse struct {
	Reply    string `json:"reply"`
	RunID    string `json:"run_id,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// apiHandler builds the HTTP API surface.
func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/v1/complete", a.handleComplete)
	mux.HandleFunc("/v1/stats", a.handleStats)
	mux.HandleFunc("/v1/costs", a.handleCosts)
	return mux
}

func (a *app) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	msg := models.NewMessage(models.ChannelAPI, models.DirectionInbound, models.RoleUser, req.Content)
	msg.SenderID = req.SenderID
	msg.ChannelID = msg.ID

	if req.Stream {
		a.streamComplete(w, r, *msg)
		return
	}

	// Non-streaming requests ride the queues so the bus backpressure
	// policy applies to API traffic.
	waiter := make(chan models.Message, 1)
	a.pending.Store(msg.ID, waiter)
	defer a.pending.Delete(msg.ID)

	if err := a.inbound.Publish(r.Context(), *msg); err != nil {
		http.Error(w, fmt.Sprintf("queue rejected request: %v", err), http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		return
	case reply := <-waiter:
		if errMsg, ok := reply.Metadata["error"].(string); ok {
			http.Error(w, errMsg, http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, replyToResponse(reply))
	}
}

// streamComplete runs the pipeline directly, relaying text fragments as
// server-sent events. A fragment equal to the stream reset marker tells
// the client to discard everything received so far.
func (a *app) streamComplete(w http.ResponseWriter, r *http.Request, msg models.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	p := a.cur.Load().pipeline
	reply, err := p.ProcessStream(r.Context(), msg, func(chunk providers.Chunk) bool {
		if chunk.Text == "" {
			return true
		}
		event := map[string]any{"text": chunk.Text}
		if chunk.Text == transport.StreamResetMarker {
			event = map[string]any{"reset": true}
		}
		data, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return true
	})
	if err != nil {
		data, _ := json.Marshal(map[string]any{"error": err.Error()})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return
	}

	data, _ := json.Marshal(map[string]any{"done": true, "meta": replyToResponse(*reply)})
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": a.cur.Load().router.Stats(),
	})
}

func (a *app) handleCosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"total":  a.cost.Total(),
		"models": a.cost.ModelBreakdown(),
	}
	if sender := r.URL.Query().Get("sender"); sender != "" {
		resp["sender"] = a.cost.SenderTotals(sender)
	}
	writeJSON(w, http.StatusOK, resp)
}

func replyToResponse(reply models.Message) completeResponse {
	resp := completeResponse{Reply: reply.Content}
	if reply.Metadata != nil {
		resp.RunID, _ = reply.Metadata["run_id"].(string)
		resp.Tier, _ = reply.Metadata["tier"].(string)
		resp.Provider, _ = reply.Metadata["provider"].(string)
		resp.Model, _ = reply.Metadata["model"].(string)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
