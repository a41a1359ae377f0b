package importexport

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler exposes Import/Export over HTTP for admin tooling, grounded on
// the teacher's admin CRUD handlers: decode request body, call the
// service, respond JSON, one failure mode per branch rather than a single
// catch-all error.
type Handler struct {
	Importer *Importer
	Logger   *slog.Logger
}

// NewHandler constructs a Handler over importer.
func NewHandler(importer *Importer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Importer: importer, Logger: logger}
}

// Routes registers the import/export endpoints under mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/import", h.handleImport)
	mux.HandleFunc("GET /admin/export", h.handleExport)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var doc Document
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid import document: "+err.Error())
		return
	}

	res, err := h.Importer.Import(r.Context(), doc)
	if err != nil {
		h.Logger.Error("import failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "import failed")
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := Export(r.Context(), h.Importer.Facade)
	if err != nil {
		h.Logger.Error("export failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "export failed")
		return
	}
	h.respondJSON(w, http.StatusOK, doc)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
