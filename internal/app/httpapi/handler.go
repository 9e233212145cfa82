// Package httpapi exposes the settlement REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/boxhunt/settlement_layer/internal/app"
	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/services/issuer"
	"github.com/boxhunt/settlement_layer/internal/app/services/sweeper"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns a router exposing the settlement REST API.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/positions", h.createPosition).Methods(http.MethodPost)
	v1.HandleFunc("/positions", h.listPositions).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{ref}", h.getPosition).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{ref}/confirm", h.confirmPosition).Methods(http.MethodPost)
	v1.HandleFunc("/positions/{ref}/mint", h.mintPosition).Methods(http.MethodPost)
	v1.HandleFunc("/sweep", h.sweep).Methods(http.MethodPost)
	v1.HandleFunc("/watch", h.watch).Methods(http.MethodPost)
	v1.HandleFunc("/summary", h.summary).Methods(http.MethodGet)
	v1.HandleFunc("/maintenance", h.maintenance).Methods(http.MethodPost)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"maintenance": h.app.Maintenance(),
	})
}

func (h *handler) createPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.app.Issuer.Issue(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// The internal id and the key material never leave the service.
	writeData(w, http.StatusCreated, map[string]interface{}{
		"ref":             pos.Ref,
		"deposit_address": pos.DepositAddress,
		"expected_min":    pos.ExpectedMin.String(),
		"expected_max":    pos.ExpectedMax.String(),
		"status":          pos.Status,
	})
}

func (h *handler) listPositions(w http.ResponseWriter, r *http.Request) {
	var refs []string
	if raw := strings.TrimSpace(r.URL.Query().Get("refs")); raw != "" {
		refs = strings.Split(raw, ",")
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))

	positions, err := h.app.Summary.List(r.Context(), refs, owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, positions)
}

func (h *handler) getPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.app.Summary.Get(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pos)
}

func (h *handler) confirmPosition(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TxHash string `json:"tx_hash"`
		Owner  string `json:"owner"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.writeError(w, r, position.WrapFault(position.ClassValidation, err, "request body"))
		return
	}
	res, err := h.app.Confirm.Confirm(r.Context(), mux.Vars(r)["ref"], payload.TxHash, payload.Owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *handler) mintPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.app.Minter.Mint(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pos)
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Ref string `json:"ref"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			h.writeError(w, r, position.WrapFault(position.ClassValidation, err, "request body"))
			return
		}
	}
	pos, err := h.app.Sweeper.Sweep(r.Context(), payload.Ref)
	if errors.Is(err, sweeper.ErrNothingToSweep) {
		writeData(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, pos)
}

func (h *handler) watch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Ref     string `json:"ref"`
		Address string `json:"address"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			h.writeError(w, r, position.WrapFault(position.ClassValidation, err, "request body"))
			return
		}
	}
	filter := payload.Ref
	if filter == "" {
		filter = payload.Address
	}
	detections, err := h.app.Watcher.Scan(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, detections)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.app.Summary.Summarize(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, sum)
}

func (h *handler) maintenance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		h.writeError(w, r, position.WrapFault(position.ClassValidation, err, "request body"))
		return
	}
	h.app.SetMaintenance(payload.Enabled)
	writeData(w, http.StatusOK, map[string]bool{"maintenance": payload.Enabled})
}

// statusFor maps fault classes to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, issuer.ErrMaintenance) {
		return http.StatusServiceUnavailable
	}
	switch position.ClassOf(err) {
	case position.ClassValidation:
		return http.StatusBadRequest
	case position.ClassNotFound:
		return http.StatusNotFound
	case position.ClassStateConflict:
		return http.StatusConflict
	case position.ClassChainVerification:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
		"class": string(position.ClassOf(err)),
	})
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{"ok": true, "data": data})
}
