package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/session"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 1 << 20
)

type createSearchRequest struct {
	Query      string   `json:"query"`
	Categories []string `json:"categories,omitempty"`
}

type restartRequest struct {
	Category *string `json:"category,omitempty"`
}

type searchAccepted struct {
	Search crawler.Search    `json:"search"`
	Job    crawler.JobHandle `json:"job"`
}

type searchList struct {
	Searches []crawler.Search `json:"searches"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type pendingList struct {
	Pending []session.PendingSearch `json:"pending"`
}

func (s *Server) createSearch(w http.ResponseWriter, r *http.Request) {
	var req createSearchRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	search, job, err := s.deps.Sessions.StartSearch(r.Context(), req.Query, req.Categories)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, searchAccepted{Search: search, Job: job})
}

func (s *Server) listSearches(w http.ResponseWriter, r *http.Request) {
	if pending, _ := strconv.ParseBool(r.URL.Query().Get("pending")); pending {
		items, err := s.deps.Sessions.ListPending(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []session.PendingSearch{}
		}
		writeJSON(w, http.StatusOK, pendingList{Pending: items})
		return
	}

	limit, offset, err := parseLimitOffset(r, defaultPageSize, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	searches, err := s.deps.Sessions.ListSearches(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if searches == nil {
		searches = []crawler.Search{}
	}
	writeJSON(w, http.StatusOK, searchList{Searches: searches, Limit: limit, Offset: offset})
}

func (s *Server) getSearch(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Sessions.Results(r.Context(), chi.URLParam(r, "search_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) deleteSearch(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.DeleteSearch(r.Context(), chi.URLParam(r, "search_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restartSearch(w http.ResponseWriter, r *http.Request) {
	var req restartRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	search, job, err := s.deps.Sessions.RestartSearch(r.Context(), chi.URLParam(r, "search_id"), req.Category)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, searchAccepted{Search: search, Job: job})
}

func (s *Server) resumeSearch(w http.ResponseWriter, r *http.Request) {
	search, job, err := s.deps.Sessions.ResumeSearch(r.Context(), chi.URLParam(r, "search_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, searchAccepted{Search: search, Job: job})
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.entryFilter(w, r)
	if !ok {
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPageSize, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit, filter.Offset = limit, offset

	entries, err := s.deps.Entries.ListEntries(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []crawler.ResultEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "limit": limit, "offset": offset})
}

func (s *Server) sourceBreakdown(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.entryFilter(w, r)
	if !ok {
		return
	}
	sources, err := s.deps.Entries.SourceBreakdown(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if sources == nil {
		sources = []crawler.SourceCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultPageSize, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Sessions.Runs(r.Context(), chi.URLParam(r, "search_id"), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []crawler.SearchRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// entryFilter resolves the search (deleted searches are 404) and parses the
// shared entry query parameters.
func (s *Server) entryFilter(w http.ResponseWriter, r *http.Request) (crawler.EntryFilter, bool) {
	search, err := s.deps.Sessions.GetSearch(r.Context(), chi.URLParam(r, "search_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return crawler.EntryFilter{}, false
	}
	q := r.URL.Query()
	filter := crawler.EntryFilter{
		SearchID:       search.ID,
		Category:       strings.ToUpper(strings.TrimSpace(q.Get("category"))),
		Classification: strings.TrimSpace(q.Get("classification")),
	}
	if raw := q.Get("unknown"); raw != "" {
		unknown, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unknown flag")
			return crawler.EntryFilter{}, false
		}
		filter.UnknownOnly = unknown
	}
	if filter.UnknownOnly && filter.Classification != "" {
		writeError(w, http.StatusBadRequest, "unknown and classification are mutually exclusive")
		return crawler.EntryFilter{}, false
	}
	return filter, true
}

// decodeBody reads a JSON body. When allowEmpty is set a missing body leaves
// dst untouched.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON payload")
	}
	return nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
