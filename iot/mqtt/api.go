// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
)

// API is the REST interface of the hub simulator
type API struct {
	sim *Simulator
}

// APIBuilder is a builder helper for the API
type APIBuilder struct {
	// Simulator is the hub simulator. This is mandatory.
	Simulator *Simulator
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// NewAPI adds the /devices routes to the router
func NewAPI(b *APIBuilder) *API {
	if b.Simulator == nil {
		panic("simulator missing")
	}
	if b.Router == nil {
		panic("router missing")
	}
	a := &API{sim: b.Simulator}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.ForComponent("hubsim-api")
	rlog.Infoln("handle route /devices GET")
	rlog.Infoln("handle route /devices/{device_id}/twin GET")
	rlog.Infoln("handle route /devices/{device_id}/twin/desired PUT,PATCH")
	rlog.Infoln("handle route /devices/{device_id}/methods/{method} POST")
	rlog.Infoln("handle route /devices/{device_id}/messages POST")
	rlog.Infoln("handle route /devices/{device_id}/telemetry GET")

	router.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.sim.Store().DeviceIDs())
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		t, err := a.sim.Store().Twin(mux.Vars(r)["device_id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/desired", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device_id"]
		patch := map[string]interface{}{}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &patch); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := a.sim.SetDesired(deviceID, patch); err != nil {
			writeError(w, r, err)
			return
		}
		t, err := a.sim.Store().Twin(deviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}).Methods(http.MethodOptions, http.MethodPut, http.MethodPatch)

	router.HandleFunc("/devices/{device_id}/methods/{method}", func(w http.ResponseWriter, r *http.Request) {
		params := mux.Vars(r)
		body, _ := io.ReadAll(r.Body)
		if len(body) > 0 && !json.Valid(body) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		result, err := a.sim.InvokeMethod(r.Context(), params["device_id"], params["method"], body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := a.sim.SendToDevice(mux.Vars(r)["device_id"], body); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/devices/{device_id}/telemetry", func(w http.ResponseWriter, r *http.Request) {
		t, ok := a.sim.Telemetry(mux.Vars(r)["device_id"])
		if !ok {
			http.Error(w, "no telemetry", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonData, _ := json.MarshalIndent(v, "", "  ")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		logger.FromContext(r.Context()).WithError(err).Error("hub simulator")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
