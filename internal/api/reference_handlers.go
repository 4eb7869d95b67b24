package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

const abstractTimeout = 15 * time.Second

func (s *Server) listClassifications(w http.ResponseWriter, r *http.Request) {
	category := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("category")))
	categories, err := s.deps.Reference.ListCategories(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	classifications, err := s.deps.Reference.ListClassifications(r.Context(), category)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if categories == nil {
		categories = []crawler.Category{}
	}
	if classifications == nil {
		classifications = []crawler.Classification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories":      categories,
		"classifications": classifications,
	})
}

func (s *Server) getAbstract(w http.ResponseWriter, r *http.Request) {
	if s.deps.Abstracts == nil {
		writeError(w, http.StatusNotImplemented, "abstract lookup is not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "scopus_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "scopus_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), abstractTimeout)
	defer cancel()

	abstract, err := s.deps.Abstracts.FetchAbstract(ctx, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scopus_id": id, "abstract": abstract})
}
