package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/proxyhost/internal/api/request"
	"github.com/edvin/proxyhost/internal/api/response"
	"github.com/edvin/proxyhost/internal/model"
	"github.com/edvin/proxyhost/internal/provision"
)

// Provisioner is the host service behind the API.
type Provisioner interface {
	CreateHost(ctx context.Context, subdomain string, port int) provision.Result
	UpdateHost(ctx context.Context, id string, port int) provision.Result
	DeleteHost(ctx context.Context, id string) provision.Result
	GetHost(ctx context.Context, id string) provision.Result
	ListHosts(ctx context.Context) provision.Result
	GetCertificateStatus(ctx context.Context, id string) provision.Result
	IssueCertificate(ctx context.Context, id string, cred model.ChallengeCredential) provision.Result
	RenewCertificate(ctx context.Context, id string) provision.Result
	GetJob(ctx context.Context, id string) provision.Result
}

type Host struct {
	svc Provisioner
}

func NewHost(svc Provisioner) *Host {
	return &Host{svc: svc}
}

// Create exposes a local port under a new subdomain.
func (h *Host) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateHost
	if err := request.Decode(r, &req); err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusCreated, h.svc.CreateHost(r.Context(), req.Subdomain, req.Port))
}

func (h *Host) List(w http.ResponseWriter, r *http.Request) {
	response.WriteResult(w, http.StatusOK, h.svc.ListHosts(r.Context()))
}

func (h *Host) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusOK, h.svc.GetHost(r.Context(), id))
}

// Update changes the upstream port.
func (h *Host) Update(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	var req request.UpdateHost
	if err := request.Decode(r, &req); err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusOK, h.svc.UpdateHost(r.Context(), id, req.Port))
}

func (h *Host) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusOK, h.svc.DeleteHost(r.Context(), id))
}

// CertificateStatus reports the derived certificate state.
func (h *Host) CertificateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusOK, h.svc.GetCertificateStatus(r.Context(), id))
}

// IssueCertificate requests a certificate. Answers 202 with a job ID when
// the CA takes longer than the request timeout.
func (h *Host) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	var req request.IssueCertificate
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusOK, h.svc.IssueCertificate(r.Context(), id, req.Credential()))
}

func (h *Host) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	response.WriteResult(w, http.StatusOK, h.svc.RenewCertificate(r.Context(), id))
}

// Job reports a certificate job. A finished job answers 200 whatever its state.
func (h *Host) Job(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteErr(w, err)
		return
	}
	res := h.svc.GetJob(r.Context(), id)
	if res.Job == nil {
		response.WriteResult(w, http.StatusOK, res)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}
