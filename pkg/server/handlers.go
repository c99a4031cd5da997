package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/openfroyo/storefront/pkg/buttons"
	"github.com/openfroyo/storefront/pkg/orchestrator"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/stores"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// InstallRequest is the body of POST /v1/apps/{slug}/install.
type InstallRequest struct {
	Product storefront.Product `json:"product"`

	// Button is the handle of the button that started the install. It is
	// mounted on first use.
	Button string `json:"button,omitempty"`

	// Label is the mount label, usually the price. Defaults to "Install".
	Label string `json:"label,omitempty"`
}

// InstallResponse is returned for a successful install.
type InstallResponse struct {
	Status      storefront.AttemptStatus `json:"status"`
	ManifestURL string                   `json:"manifest_url"`
	LaunchURL   string                   `json:"launch_url"`
	User        *storefront.UserState    `json:"user,omitempty"`
}

// LaunchResponse is returned by POST /v1/apps/launch.
type LaunchResponse struct {
	LaunchURL string `json:"launch_url"`
}

// MountRequest is the body of POST /v1/buttons.
type MountRequest struct {
	ID          string `json:"id" validate:"required"`
	ManifestURL string `json:"manifest_url" validate:"required,url"`
	Label       string `json:"label"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error    string                `json:"error"`
	Kind     storefront.ErrorKind  `json:"kind,omitempty"`
	Reason   storefront.ReasonCode `json:"reason,omitempty"`
	Notified bool                  `json:"notified,omitempty"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	var req InstallRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product := &req.Product
	if product.Slug == "" {
		product.Slug = slug
	}
	if product.Slug != slug {
		writeError(w, http.StatusBadRequest, fmt.Errorf("product slug %q does not match %q", product.Slug, slug))
		return
	}
	if err := s.validate.Struct(product); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid product: %w", err))
		return
	}

	if req.Button != "" {
		label := req.Label
		if label == "" {
			label = buttons.LabelInstall
		}
		if _, err := s.deps.Buttons.Mount(req.Button, product.ManifestURL, label); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	h, err := s.deps.Installer.RunInstall(r.Context(), product, req.Button)
	if err != nil {
		s.writeInstallError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, InstallResponse{
		Status:      storefront.AttemptStatusInstalled,
		ManifestURL: h.ManifestURL(),
		LaunchURL:   h.LaunchURL(),
		User:        product.User,
	})
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var product storefront.Product
	if err := readJSON(w, r, &product); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(&product); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid product: %w", err))
		return
	}

	launchURL, err := s.deps.Installer.Launch(r.Context(), &product)
	switch {
	case errors.Is(err, orchestrator.ErrNotInstalled):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, LaunchResponse{LaunchURL: launchURL})
	}
}

func (s *Server) handleListButtons(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Buttons.All())
}

func (s *Server) handleMountButton(w http.ResponseWriter, r *http.Request) {
	var req MountRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Label == "" {
		req.Label = buttons.LabelInstall
	}

	view, err := s.deps.Buttons.Mount(req.ID, req.ManifestURL, req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetButton(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Buttons.Get(mux.Vars(r)["id"])
	if errors.Is(err, buttons.ErrUnknownButton) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListInstalls(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	installs, err := s.deps.Store.ListInstalls(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if installs == nil {
		installs = []*stores.Install{}
	}
	writeJSON(w, http.StatusOK, installs)
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var slug *string
	if v := r.URL.Query().Get("slug"); v != "" {
		slug = &v
	}

	attempts, err := s.deps.Store.ListAttempts(r.Context(), slug, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if attempts == nil {
		attempts = []storefront.AttemptRecord{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := stores.EventQuery{Limit: limit, Offset: offset}
	query := r.URL.Query()
	if v := query.Get("attempt"); v != "" {
		q.AttemptID = &v
	}
	if v := query.Get("type"); v != "" {
		q.Type = &v
	}
	if v := query.Get("level"); v != "" {
		level := stores.EventLevel(v)
		q.Level = &level
	}

	events, err := s.deps.Store.GetEvents(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*stores.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleInstalledApps(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Catalog
	s.writeCatalog(w, r, c.Sign(c.URL(storefront.EndpointInstalled)))
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Catalog
	slug := mux.Vars(r)["slug"]
	s.writeCatalog(w, r, c.Sign(c.Params(storefront.EndpointReviews, map[string]string{"app": slug})))
}

// writeCatalog relays a cached storefront view. The backend's application
// errors and transport failures are both reported as 502.
func (s *Server) writeCatalog(w http.ResponseWriter, r *http.Request, rawURL string) {
	resp, err := s.deps.Catalog.Cached(r.Context(), rawURL)
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		telemetry.FromContext(r.Context(), s.logger).WithError(err).Warn("Catalog fetch failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeInstallError maps an attempt failure onto an HTTP status.
func (s *Server) writeInstallError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storefront.ErrIneligible):
		status = http.StatusForbidden
	case errors.Is(err, storefront.ErrAttemptInFlight):
		status = http.StatusConflict
	default:
		switch storefront.KindOf(err) {
		case storefront.KindUserCancelled:
			status = http.StatusConflict
		case storefront.KindServerError:
			status = http.StatusBadGateway
		case storefront.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}

	telemetry.FromContext(r.Context(), s.logger).WithError(err).
		WithField("status", status).Info("Install attempt did not complete")

	writeJSON(w, status, ErrorResponse{
		Error:    err.Error(),
		Kind:     storefront.KindOf(err),
		Reason:   storefront.ReasonOf(err),
		Notified: storefront.WasNotified(err),
	})
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit, offset = 50, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
