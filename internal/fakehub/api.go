package fakehub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Router returns the service-side REST API of the hub:
//
//	GET   /devices/{id}/twin              full twin
//	PATCH /devices/{id}/twin/desired      merge desired properties
//	POST  /devices/{id}/methods/{name}    invoke a direct method, ?timeout=<seconds>
//	GET   /devices/{id}/messages          latest telemetry
func (h *Hub) Router() *mux.Router {
	router := mux.NewRouter()

	router.Handle("/devices/{id}/twin", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, ok := h.Twin(mux.Vars(r)["id"])
		if !ok {
			http.Error(w, "no such device", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, json.RawMessage(doc))
	}))).Methods(http.MethodGet)

	router.HandleFunc("/devices/{id}/twin/desired", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		version, err := h.SetDesired(mux.Vars(r)["id"], body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"$version": version})
	}).Methods(http.MethodPatch)

	router.HandleFunc("/devices/{id}/methods/{name}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		if s := r.URL.Query().Get("timeout"); s != "" {
			seconds, err := strconv.Atoi(s)
			if err != nil || seconds <= 0 {
				http.Error(w, "invalid timeout", http.StatusBadRequest)
				return
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
			defer cancel()
		}

		res, err := h.InvokeMethod(ctx, params["id"], params["name"], body)
		switch {
		case errors.Is(err, ErrDeviceOffline):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrMethodTimeout):
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, res)
		}
	}).Methods(http.MethodPost)

	router.Handle("/devices/{id}/messages", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		messages := h.Messages(mux.Vars(r)["id"])
		if messages == nil {
			messages = []Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	}))).Methods(http.MethodGet)

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
