package http

import (
	"fmt"
	"io"
	"net/http"

	"github.com/chiwei-platform/topology-engine/internal/config"
	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

type RevisionHandler struct {
	svc *service.DeployService
}

func NewRevisionHandler(svc *service.DeployService) *RevisionHandler {
	return &RevisionHandler{svc: svc}
}

// readAssembly 接受 YAML 或 JSON 请求体。
func readAssembly(r *http.Request) (*domain.Assembly, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err)
	}
	return config.ParseAssembly(data)
}

func (h *RevisionHandler) Plan(w http.ResponseWriter, r *http.Request) {
	asm, err := readAssembly(r)
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := h.svc.Plan(r.Context(), asm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Apply 同步执行部署，返回修订。失败时修订已记录，错误照常返回。
func (h *RevisionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	asm, err := readAssembly(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rev, _, err := h.svc.Apply(r.Context(), asm)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (h *RevisionHandler) List(w http.ResponseWriter, r *http.Request) {
	revs, err := h.svc.ListRevisions(r.Context(), r.URL.Query().Get("assembly"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if revs == nil {
		revs = []*domain.Revision{}
	}
	writeJSON(w, http.StatusOK, revs)
}

func (h *RevisionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rev, err := h.svc.GetRevision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}
