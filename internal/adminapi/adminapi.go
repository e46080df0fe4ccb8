// Package adminapi exposes a minimal, read-only HTTP surface over the
// registry for operator inspection: devices, connections and security
// alerts. It is deliberately read-only; approving, rejecting or
// blocking a device is an administrative action handled elsewhere and
// is not exposed here.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

// API serves the read-only admin routes.
type API struct {
	store  *registry.Store
	router *mux.Router
	server *http.Server
}

// New builds the router and binds it to addr; call Run to start serving.
func New(store *registry.Store, addr string) *API {
	router := mux.NewRouter()
	a := &API{store: store, router: router}
	logger.AddRequestID(router)

	router.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	router.HandleFunc("/devices/{id}", a.getDevice).Methods(http.MethodGet)
	router.HandleFunc("/devices/{id}/connections", a.getDeviceConnections).Methods(http.MethodGet)
	router.HandleFunc("/alerts", a.listAlerts).Methods(http.MethodGet)

	a.server = &http.Server{Addr: addr, Handler: router}
	return a
}

// ServeHTTPForTest dispatches a request directly to the router, for
// tests that exercise routes without a real listener.
func (a *API) ServeHTTPForTest(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Run blocks serving HTTP until Shutdown is called.
func (a *API) Run() error {
	logger.Default().Infof("adminapi: listening on %s", a.server.Addr)
	err := a.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		logger.Default().WithError(err).Warn("adminapi: shutdown error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if status := r.URL.Query().Get("status"); status != "" {
		devices, err := a.store.FindByStatus(ctx, model.DeviceStatus(status))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, devices)
		return
	}
	devices, err := a.store.FindAll(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}
	device, err := a.store.FindByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (a *API) getDeviceConnections(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}
	conn, err := a.store.FindActiveByDeviceID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, []model.Connection{})
		return
	}
	writeJSON(w, http.StatusOK, []model.Connection{conn})
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if alertType := r.URL.Query().Get("type"); alertType != "" {
		alerts, err := a.store.FindAlertsByType(ctx, model.AlertType(alertType))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, alerts)
		return
	}
	alerts, err := a.store.FindAllAlerts(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}
