package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stratokit/stratodb"
	"github.com/stratokit/stratodb/dispatch"
)

const awaitTimeout = 30 * time.Second

// Deps holds the dependencies the demo router's handlers close over.
type Deps struct {
	DB  *stratodb.DB
	Hub *hub
}

// newRouter builds the demo HTTP surface: dispatch a new event, read a
// model document back, and subscribe to live emitter signals.
func newRouter(d Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dispatch", dispatchHandler(d))
	mux.HandleFunc("GET /store/{model}/{id}", getDoc(d))
	mux.HandleFunc("GET /ws/events", d.Hub.serveWS)
	mux.HandleFunc("GET /health", health(d))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func dispatchHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type string `json:"type"`
			Data any    `json:"data"`
			TS   int64  `json:"ts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Type == "" {
			writeError(w, http.StatusBadRequest, "type is required")
			return
		}

		fut, err := d.DB.Dispatch(r.Context(), body.Type, body.Data, body.TS)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), awaitTimeout)
		defer cancel()
		ev, err := fut.Await(ctx)
		if err != nil {
			var he *dispatch.HandledError
			if errors.As(err, &he) {
				writeJSON(w, http.StatusUnprocessableEntity, he.Event)
				return
			}
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func getDoc(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modelName, id := r.PathValue("model"), r.PathValue("id")
		store, err := d.DB.Store(modelName)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		doc, ok, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
