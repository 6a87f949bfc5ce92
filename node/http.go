package node

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/c360/pitwall/entity"
	"github.com/c360/pitwall/errors"
	"github.com/c360/pitwall/metric"
	"github.com/c360/pitwall/pubsub"
)

func (n *Node) routes(server *metric.Server) {
	server.Handle("GET /healthz", n.monitor.Handler("pitwall"))
	server.Handle("GET /cluster/status", http.HandlerFunc(n.handleClusterStatus))
	if n.has(pubsub.RoleAPI) {
		server.Handle("GET /entities", http.HandlerFunc(n.handleEntities))
		server.Handle("GET /entities/{session}/{driver}", http.HandlerFunc(n.handleEntity))
	}
	if n.ingest != nil {
		server.Handle("GET /ingest", n.ingest)
		server.Handle("GET /ingest/stats", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, n.pipeline.Stats())
		}))
	}
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusServiceUnavailable
	switch {
	case stderrors.Is(err, errors.ErrNotInitialized):
		code = http.StatusNotFound
	case errors.IsInvalid(err):
		code = http.StatusBadRequest
	case stderrors.Is(err, errors.ErrAskTimeout), stderrors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, errorBody{Code: errors.Code(err), Error: err.Error()})
}

// handleEntity asks the owning entity for its state. Entities that were never
// created answer 404.
func (n *Node) handleEntity(w http.ResponseWriter, r *http.Request) {
	session, err := strconv.Atoi(r.PathValue("session"))
	if err != nil {
		writeError(w, errors.WrapInvalid(errors.ErrInvalidData, "Node", "handleEntity", "session must be a number"))
		return
	}
	driver, err := strconv.Atoi(r.PathValue("driver"))
	if err != nil {
		writeError(w, errors.WrapInvalid(errors.ErrInvalidData, "Node", "handleEntity", "driver must be a number"))
		return
	}
	key, err := entity.NewKey(session, driver)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), n.cfg.Store.AskTimeout)
	defer cancel()
	reply, err := n.asker.Ask(ctx, entity.GetState{Key: key})
	if err != nil {
		writeError(w, err)
		return
	}
	state, ok := reply.(entity.StateReply)
	if !ok {
		writeError(w, errors.WrapInvalid(errors.ErrInvalidData, "Node", "handleEntity",
			"unexpected reply "+entity.ReplyKind(reply)))
		return
	}
	writeJSON(w, http.StatusOK, state.State)
}

// handleEntities lists the latest state of every entity seen on the updated
// topic.
func (n *Node) handleEntities(w http.ResponseWriter, _ *http.Request) {
	keys := n.view.Keys()
	states := make([]entity.State, 0, len(keys))
	for _, key := range keys {
		if st, ok := n.view.Get(key); ok {
			states = append(states, st)
		}
	}
	writeJSON(w, http.StatusOK, states)
}

func (n *Node) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), n.cfg.Coordinator.StatsTimeout*2)
	defer cancel()

	if n.coord != nil {
		st, err := n.coord.Status(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	st, err := n.client.Status(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
