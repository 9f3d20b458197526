// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/netshape/internal/config"
	"grimm.is/netshape/internal/errors"
	"grimm.is/netshape/internal/rules"
	"grimm.is/netshape/internal/shaper"
)

// Common error messages.
const (
	ErrInvalidBody = "Invalid request body"
	ErrBodyTooBig  = "Request body too large"
	ErrNotFound    = "Not found"
	ErrInvalidID   = "Invalid rule id"
)

type ruleResponse struct {
	ID      rules.ID         `json:"id"`
	State   string           `json:"state"`
	Status  string           `json:"status"`
	Created time.Time        `json:"created"`
	Rule    config.RuleBlock `json:"rule"`
}

type statsResponse struct {
	ID             rules.ID `json:"id"`
	Enqueued       uint64   `json:"enqueued"`
	Delivered      uint64   `json:"delivered"`
	Dropped        uint64   `json:"dropped"`
	Duplicated     uint64   `json:"duplicated"`
	Lost           uint64   `json:"lost"`
	Overflow       uint64   `json:"overflow"`
	Passthrough    uint64   `json:"passthrough"`
	DeliveredBytes uint64   `json:"delivered_bytes"`
	Pending        int      `json:"pending"`
	Degraded       bool     `json:"degraded"`
	Status         string   `json:"status"`
}

type faultResponse struct {
	Adapter string    `json:"adapter"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	infos := s.engine.ListRules()
	out := make([]ruleResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, ruleResponse{
			ID:      info.ID,
			State:   info.State.String(),
			Status:  info.Status,
			Created: info.Created,
			Rule:    config.RuleBlockFromSpec(info.Spec),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	spec, ok := bindRule(w, r)
	if !ok {
		return
	}
	id, err := s.engine.AddRule(spec)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]rules.ID{"id": id})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	spec, ok := bindRule(w, r)
	if !ok {
		return
	}
	if err := s.engine.UpdateRule(id, spec); err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]rules.ID{"id": id})
}

// handleRemoveRule returns once the rule's pending packets are drained.
func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.engine.RemoveRule(id); err != nil {
		s.writeKindError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	st, err := s.engine.GetStats(id)
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsFrom(id, st))
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	faults := s.engine.Faults()
	out := make([]faultResponse, 0, len(faults))
	for _, f := range faults {
		fr := faultResponse{Adapter: f.Adapter, At: f.At}
		if f.Err != nil {
			fr.Error = f.Err.Error()
		}
		out = append(out, fr)
	}
	writeJSON(w, http.StatusOK, out)
}

func statsFrom(id rules.ID, st shaper.Stats) statsResponse {
	return statsResponse{
		ID:             id,
		Enqueued:       st.Enqueued,
		Delivered:      st.Delivered,
		Dropped:        st.Dropped,
		Duplicated:     st.Duplicated,
		Lost:           st.Lost,
		Overflow:       st.Overflow,
		Passthrough:    st.Passthrough,
		DeliveredBytes: st.DeliveredBytes,
		Pending:        st.Pending,
		Degraded:       st.Degraded,
		Status:         st.Status,
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (rules.ID, bool) {
	n, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || n == 0 {
		writeError(w, http.StatusBadRequest, ErrInvalidID)
		return 0, false
	}
	return rules.ID(n), true
}

// bindRule decodes a rule block from the body and converts it to a spec.
// On failure the error response is already written.
func bindRule(w http.ResponseWriter, r *http.Request) (rules.Spec, bool) {
	var rb config.RuleBlock
	if !bindJSON(w, r, &rb) {
		return rules.Spec{}, false
	}
	spec, err := rb.Spec()
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err)
		return rules.Spec{}, false
	}
	return spec, true
}

// bindJSON decodes JSON from the request body into dest, rejecting unknown
// fields. Returns false if decoding failed (error response already sent).
func bindJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrBodyTooBig)
			return false
		}
		writeError(w, http.StatusBadRequest, ErrInvalidBody)
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindConfig:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed", "method", r.Method, "path", r.URL.Path)
	}
	writeErrorResponse(w, status, err)
}

func writeErrorResponse(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	resp.Field, _ = errors.GetAttributes(err)["field"].(string)
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
