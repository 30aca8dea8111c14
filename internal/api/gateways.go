package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/device"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxQueryParamLen    = 100
)

// handleListGateways returns the status of every configured gateway.
func (s *Server) handleListGateways(w http.ResponseWriter, _ *http.Request) {
	gateways := s.bridge.GatewayStatuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": gateways,
		"count":    len(gateways),
	})
}

// handleGetGateway returns one gateway's status.
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	st, err := s.bridge.GatewayStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListSlots returns the live slots the gateway has reported.
func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.bridge.GatewaySlots(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots": slots,
		"count": len(slots),
	})
}

// handleListTopics returns the action message topics seen on a gateway.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.bridge.GatewayTopics(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topics": topics,
		"count":  len(topics),
	})
}

// handleGetQueue returns the gateway's pending outbound frames and counters.
func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.bridge.GatewayStatus(id)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	packets, err := s.bridge.GatewayQueue(id)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   st.Queue,
		"packets": packets,
	})
}

// handleListStoredSlots returns what the store has persisted for a gateway.
func (s *Server) handleListStoredSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownGateway(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeUnavailable(w, "database not available")
		return
	}

	slots, err := s.store.ListSlots(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list stored slots", "gateway", id, "error", err)
		writeInternalError(w, "failed to list stored slots")
		return
	}
	if slots == nil {
		slots = []device.Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"slots": slots,
		"count": len(slots),
	})
}

// handleGetStoredSlot returns the stored typical and state of one slot.
func (s *Server) handleGetStoredSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownGateway(w, r)
	if !ok {
		return
	}
	node, slot, err := parseSlotPath(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if s.store == nil {
		writeUnavailable(w, "database not available")
		return
	}

	stored, err := s.store.GetSlot(r.Context(), device.SlotKey{GatewayID: id, Node: node, Slot: slot})
	if err != nil {
		if errors.Is(err, device.ErrSlotNotFound) {
			writeNotFound(w, "slot not stored")
			return
		}
		s.logger.Error("failed to get stored slot", "gateway", id, "node", node, "slot", slot, "error", err)
		writeInternalError(w, "failed to get stored slot")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// handleListStoredTopics returns the last stored value of every action
// message topic.
func (s *Server) handleListStoredTopics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownGateway(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeUnavailable(w, "database not available")
		return
	}

	topics, err := s.store.ListTopics(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list stored topics", "gateway", id, "error", err)
		writeInternalError(w, "failed to list stored topics")
		return
	}
	if topics == nil {
		topics = []device.TopicValue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topics": topics,
		"count":  len(topics),
	})
}

// handleForgetGateway deletes everything stored for a gateway. The live
// registry is untouched and repopulates the store on the next replies.
func (s *Server) handleForgetGateway(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownGateway(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeUnavailable(w, "database not available")
		return
	}

	if err := s.store.ForgetGateway(r.Context(), id); err != nil {
		s.logger.Error("failed to forget gateway", "gateway", id, "error", err)
		writeInternalError(w, "failed to forget gateway")
		return
	}
	s.logger.Info("stored gateway data deleted", "gateway", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListNodeHealth returns the last stored health of every node.
func (s *Server) handleListNodeHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownGateway(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeUnavailable(w, "database not available")
		return
	}

	nodes, err := s.store.ListNodeHealth(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list node health", "gateway", id, "error", err)
		writeInternalError(w, "failed to list node health")
		return
	}
	if nodes == nil {
		nodes = []device.NodeHealth{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// handleSlotCommand translates a command for one slot and queues it.
// The body is a command message; the path supplies gateway, node and slot.
func (s *Server) handleSlotCommand(w http.ResponseWriter, r *http.Request) {
	node, slot, err := parseSlotPath(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var cmd souliss.CommandMessage
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	cmd.Gateway = chi.URLParam(r, "id")
	cmd.Node = &node
	cmd.Slot = &slot
	if cmd.Source == "" {
		cmd.Source = "api"
	}

	ack := s.bridge.ExecuteCommand(cmd)
	if ack.Error != nil {
		writeJSON(w, statusForCode(ack.Error.Code), ack)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

// requestBody is the optional body of a gateway request.
type requestBody struct {
	RequestID  string         `json:"request_id"`
	Parameters map[string]any `json:"parameters"`
}

// handleGatewayRequest queues a header-only query (ping, db_structure,
// typicals, health, subscribe, poll) on a gateway.
func (s *Server) handleGatewayRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	kind := chi.URLParam(r, "kind")
	if kind == "discover" {
		writeBadRequest(w, "use POST /api/v1/discover")
		return
	}

	resp := s.bridge.ExecuteRequest(r.Context(), souliss.RequestMessage{
		RequestID:  body.RequestID,
		Action:     kind,
		Gateway:    chi.URLParam(r, "id"),
		Parameters: body.Parameters,
	})
	if resp.Error != nil {
		writeJSON(w, statusForCode(resp.Error.Code), resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleDiscover broadcasts a discovery request and waits for replies.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	resp := s.bridge.ExecuteRequest(r.Context(), souliss.RequestMessage{
		RequestID: requestIDFrom(r),
		Action:    "discover",
	})
	if resp.Error != nil {
		writeJSON(w, statusForCode(resp.Error.Code), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSlotHistory returns recent state history for one slot.
func (s *Server) handleSlotHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownGateway(w, r)
	if !ok {
		return
	}
	node, slot, err := parseSlotPath(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if s.history == nil {
		writeUnavailable(w, "state history not available")
		return
	}

	key := device.SlotKey{GatewayID: id, Node: node, Slot: slot}
	entries, err := s.history.GetHistory(r.Context(), key, limit)
	if err != nil {
		s.logger.Error("failed to get slot history", "gateway", id, "node", node, "slot", slot, "error", err)
		writeInternalError(w, "failed to get slot history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_id": id,
		"node":       node,
		"slot":       slot,
		"history":    entries,
		"count":      len(entries),
	})
}

// knownGateway reads the gateway id path parameter and writes 404 when
// the bridge does not have it.
func (s *Server) knownGateway(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid gateway ID")
		return "", false
	}
	if _, err := s.bridge.GatewayStatus(id); err != nil {
		s.writeBridgeError(w, err)
		return "", false
	}
	return id, true
}

// writeBridgeError maps bridge errors to HTTP responses.
func (s *Server) writeBridgeError(w http.ResponseWriter, err error) {
	if errors.Is(err, souliss.ErrGatewayNotFound) {
		writeNotFound(w, "gateway not found")
		return
	}
	s.logger.Error("bridge error", "error", err)
	writeInternalError(w, "bridge error")
}

// statusForCode maps ack and response error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case souliss.ErrCodeNotConfigured:
		return http.StatusNotFound
	case souliss.ErrCodeInvalidCommand, souliss.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case souliss.ErrCodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// parseSlotPath reads the node and slot path parameters.
func parseSlotPath(r *http.Request) (node, slot int, err error) {
	node, err = strconv.Atoi(chi.URLParam(r, "node"))
	if err != nil || node < 0 || node > 0xff {
		return 0, 0, fmt.Errorf("invalid node")
	}
	slot, err = strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 0 || slot > 0xff {
		return 0, 0, fmt.Errorf("invalid slot")
	}
	return node, slot, nil
}

// parseHistoryLimit parses the limit query parameter.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}

// requestIDFrom returns the request ID set by requestIDMiddleware.
func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string) //nolint:errcheck // empty when unset
	return id
}
