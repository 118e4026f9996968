package offlinegw

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"offlinegw/internal/cachestore"
)

// maxEventBody caps the payload accepted on event endpoints.
const maxEventBody = 64 << 10

type adminHandler struct {
	gw    *Gateway
	store cachestore.Store
	log   *zap.Logger
}

type stateResponse struct {
	State         string         `json:"state"`
	Ready         bool           `json:"ready"`
	SkipWaiting   bool           `json:"skipWaiting"`
	Static        string         `json:"static"`
	Dynamic       string         `json:"dynamic"`
	Generations   []string       `json:"generations"`
	Notifications []Notification `json:"notifications"`
	Windows       []string       `json:"windows"`
}

func newAdminRouter(gw *Gateway, store cachestore.Store) *mux.Router {
	h := &adminHandler{gw: gw, store: store, log: gw.log.Named("admin")}

	r := mux.NewRouter()
	r.HandleFunc("/state", h.getState).Methods(http.MethodGet)
	r.HandleFunc("/events/push", h.postPush).Methods(http.MethodPost)
	r.HandleFunc("/events/notification-click", h.postNotificationClick).Methods(http.MethodPost)
	r.HandleFunc("/events/sync/{tag}", h.postSync).Methods(http.MethodPost)
	r.Handle("/metrics", gw.MetricsHandler()).Methods(http.MethodGet)
	return r
}

func (h *adminHandler) getState(w http.ResponseWriter, r *http.Request) {
	lc := h.gw.Lifecycle()
	resp := stateResponse{
		State:       lc.State().String(),
		Ready:       lc.Ready(),
		SkipWaiting: lc.SkipWaiting(),
		Static:      h.gw.cfg.StaticGeneration(),
		Dynamic:     h.gw.cfg.DynamicGeneration(),
	}
	names, err := h.store.Generations(r.Context())
	if err != nil {
		h.writeError(w, errors.Wrap(err, errors.CodeDatabase, "list generations"))
		return
	}
	resp.Generations = names
	if in := h.gw.Inbox(); in != nil {
		resp.Notifications = in.Notifications()
		resp.Windows = in.Windows()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *adminHandler) postPush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		h.writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "read payload"))
		return
	}
	h.dispatch(r.Context(), w, Event{Kind: EventPush, Payload: payload})
}

func (h *adminHandler) postNotificationClick(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" && r.ContentLength != 0 {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "decode body"))
			return
		}
		id = body.ID
	}
	h.dispatch(r.Context(), w, Event{Kind: EventNotificationClick, NotificationID: id})
}

func (h *adminHandler) postSync(w http.ResponseWriter, r *http.Request) {
	h.dispatch(r.Context(), w, Event{Kind: EventSync, Tag: mux.Vars(r)["tag"]})
}

func (h *adminHandler) dispatch(ctx context.Context, w http.ResponseWriter, ev Event) {
	if err := h.gw.Events().Dispatch(ctx, ev).Wait(ctx); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event": string(ev.Kind), "result": "ok"})
}

func (h *adminHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		status = http.StatusBadRequest
	case errors.CodeConflict:
		status = http.StatusConflict
	case errors.CodeUnavailable, errors.CodeNetwork:
		status = http.StatusBadGateway
	}
	h.log.Debug("admin request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
