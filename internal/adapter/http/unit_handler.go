package http

import (
	"net/http"
	"strconv"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/service"
	"github.com/go-chi/chi/v5"
)

type UnitHandler struct {
	catalog  *service.UnitCatalog
	deploy   *service.DeployService
	health   *service.HealthService
	redeploy *service.RedeployService
	logs     *service.LogService
}

func NewUnitHandler(
	catalog *service.UnitCatalog,
	deploy *service.DeployService,
	health *service.HealthService,
	redeploy *service.RedeployService,
	logs *service.LogService,
) *UnitHandler {
	return &UnitHandler{
		catalog:  catalog,
		deploy:   deploy,
		health:   health,
		redeploy: redeploy,
		logs:     logs,
	}
}

type unitSummary struct {
	Unit          string `json:"unit"`
	PublicAddress string `json:"public_address"`
	DiscoveryName string `json:"discovery_name"`
	Identity      string `json:"identity"`
	APIDocsURL    string `json:"api_docs_url"`
}

func unitRef(r *http.Request) domain.UnitRef {
	return domain.UnitRef{App: chi.URLParam(r, "app"), Component: chi.URLParam(r, "component")}
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func (h *UnitHandler) List(w http.ResponseWriter, r *http.Request) {
	units := h.catalog.List()
	out := make([]unitSummary, 0, len(units))
	for _, u := range units {
		out = append(out, unitSummary{
			Unit:          u.Ref.String(),
			PublicAddress: u.PublicAddress,
			DiscoveryName: u.DiscoveryName,
			Identity:      u.Identity.Name,
			APIDocsURL:    u.APIDocsURL(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UnitHandler) Get(w http.ResponseWriter, r *http.Request) {
	unit, err := h.catalog.Get(unitRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *UnitHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ref := unitRef(r)
	if _, err := h.catalog.Get(ref); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deploy.Teardown(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health 返回准入状态，?probe=true 时先同步探测一次。
func (h *UnitHandler) Health(w http.ResponseWriter, r *http.Request) {
	ref := unitRef(r)
	var (
		status *service.UnitHealth
		err    error
	)
	if r.URL.Query().Get("probe") == "true" {
		status, err = h.health.CheckNow(r.Context(), ref)
	} else {
		status, err = h.health.Status(ref)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *UnitHandler) Exceptions(w http.ResponseWriter, r *http.Request) {
	records, err := h.logs.RecentExceptions(r.Context(), unitRef(r), r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *UnitHandler) MetricsPreview(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.logs.MetricPreview(r.Context(), unitRef(r), r.URL.Query().Get("since"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *UnitHandler) Redeploy(w http.ResponseWriter, r *http.Request) {
	rec, err := h.redeploy.Redeploy(r.Context(), unitRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *UnitHandler) Redeploys(w http.ResponseWriter, r *http.Request) {
	records, err := h.redeploy.History(r.Context(), unitRef(r), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*domain.RedeployRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *UnitHandler) Builds(w http.ResponseWriter, r *http.Request) {
	builds, err := h.deploy.ListBuilds(r.Context(), unitRef(r), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if builds == nil {
		builds = []*domain.Build{}
	}
	writeJSON(w, http.StatusOK, builds)
}

func (h *UnitHandler) BuildLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.deploy.GetBuildLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (h *UnitHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d := h.catalog.Dashboard()
	if d == nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": d.Name, "panels": d.Panels()})
}
