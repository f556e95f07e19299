package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sheerbytes/cfdprx/internal/monitor"
	"github.com/sheerbytes/cfdprx/internal/receiver"
	"github.com/sheerbytes/cfdprx/internal/storage"
)

// newAPI exposes the user requests and transfer snapshots over HTTP.
func newAPI(rx *receiver.Receiver, hub *monitor.Hub, bucket storage.Bucket, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, logger)
	})
	mux.HandleFunc("GET /transfers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rx.List(), logger)
	})
	mux.HandleFunc("GET /transfers/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := transferID(w, r)
		if !ok {
			return
		}
		info, err := rx.Get(id)
		if err != nil {
			sendLookupError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info, logger)
	})

	requests := map[string]func(uint64) error{
		"suspend": rx.Suspend,
		"resume":  rx.Resume,
		"cancel":  rx.Cancel,
	}
	for name, op := range requests {
		mux.HandleFunc("POST /transfers/{id}/"+name, func(w http.ResponseWriter, r *http.Request) {
			id, ok := transferID(w, r)
			if !ok {
				return
			}
			if err := op(id); err != nil {
				sendLookupError(w, err)
				return
			}
			logger.Info("user request", "request", name, "id", id)
			w.WriteHeader(http.StatusAccepted)
		})
	}

	mux.HandleFunc("GET /objects", func(w http.ResponseWriter, r *http.Request) {
		names, err := bucket.ListObjects(r.Context())
		if err != nil {
			sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bucket": bucket.Name(), "objects": names}, logger)
	})
	mux.HandleFunc("GET /objects/{name}", func(w http.ResponseWriter, r *http.Request) {
		obj, err := bucket.GetObject(r.Context(), r.PathValue("name"))
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidName):
			sendError(w, http.StatusNotFound, err.Error())
			return
		case err != nil:
			sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for k, v := range obj.Metadata {
			w.Header().Set("X-Cfdp-Meta-"+k, v)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
		w.Write(obj.Data)
	})

	mux.HandleFunc("GET /ws", hub.ServeWS)
	return mux
}

func transferID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid transfer id")
		return 0, false
	}
	return id, true
}

func sendLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, receiver.ErrUnknownTransfer) {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}
	sendError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
