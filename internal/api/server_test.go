package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/checkpoint"
	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/config"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	queuememory "github.com/JakeFAU/scopus-crawler/internal/queue/memory"
	"github.com/JakeFAU/scopus-crawler/internal/session"
	"github.com/JakeFAU/scopus-crawler/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeAbstracts struct {
	text string
	err  error
}

func (f fakeAbstracts) FetchAbstract(context.Context, string) (string, error) {
	return f.text, f.err
}

type testEnv struct {
	store  *memory.Store
	queue  *queuememory.Queue
	server *Server
}

func newTestEnv(t *testing.T, mutate func(*Deps, *config.Config)) *testEnv {
	t.Helper()
	clk := system.NewManual(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	queue := queuememory.NewQueue(16, clk)
	t.Cleanup(queue.Close)

	ctx := context.Background()
	for _, c := range []crawler.Classification{
		{Code: "1601", Name: "Chemistry (misc)", CategoryAbbr: "CHEM", CategoryName: "Chemistry"},
		{Code: "1301", Name: "Biochemistry (misc)", CategoryAbbr: "BIOC", CategoryName: "Biochemistry"},
	} {
		require.NoError(t, store.UpsertClassification(ctx, c))
	}
	require.NoError(t, store.UpsertSource(ctx, crawler.Source{SourceID: 10, Name: "Journal A"}))
	require.NoError(t, store.LinkSourceClassification(ctx, 10, "1601"))

	machine := checkpoint.NewMachine(store, zap.NewNop())
	mgr := session.NewManager(store, store, store, machine, queue, session.NewReferenceCategories(store),
		&seqIDs{}, clk, session.Config{JobTimeout: time.Hour}, zap.NewNop())

	deps := Deps{
		Sessions:  mgr,
		Entries:   store,
		Reference: store,
		Abstracts: fakeAbstracts{text: "An abstract."},
	}
	var cfg config.Config
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	return &testEnv{store: store, queue: queue, server: NewServer(deps, cfg, zap.NewNop())}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSearch(t *testing.T, body string) searchAccepted {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/searches", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out searchAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	failing := newTestEnv(t, func(d *Deps, _ *config.Config) {
		d.Ready = []ReadyCheck{
			{Name: "database", Check: func(context.Context) error { return errors.New("connection refused") }},
			{Name: "queue", Check: func(context.Context) error { return nil }},
		}
	})
	rec = failing.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, map[string]any{"database": "connection refused"}, body["failures"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCreateSearch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.createSearch(t, `{"query":"graphene oxide","categories":["chem"]}`)
	require.Equal(t, "graphene oxide", out.Search.Query)
	require.Equal(t, []string{"CHEM"}, out.Search.Categories)
	require.Equal(t, crawler.JobStatusQueued, out.Job.Status)
	require.NotNil(t, out.Search.JobID)
	require.Equal(t, out.Job.ID, *out.Search.JobID)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, out.Search.ID, item.SearchID)
	require.Equal(t, crawler.PriorityDefault, item.Priority)
}

func TestCreateSearchDefaultsToKnownCategories(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.createSearch(t, `{"query":"enzymes"}`)
	require.ElementsMatch(t, []string{"BIOC", "CHEM"}, out.Search.Categories)
}

func TestCreateSearchRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	cases := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"query":`},
		{name: "unknown field", body: `{"query":"x","extra":1}`},
		{name: "blank query", body: `{"query":"   "}`},
		{name: "unknown category", body: `{"query":"x","categories":["ZZZZ"]}`},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/v1/searches", tc.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
		require.NotEmpty(t, decode[map[string]string](t, rec)["error"], tc.name)
	}
}

func TestListSearches(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.createSearch(t, `{"query":"a"}`)
	env.createSearch(t, `{"query":"b"}`)

	rec := env.do(t, http.MethodGet, "/v1/searches?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[searchList](t, rec)
	require.Len(t, list.Searches, 1)
	require.Equal(t, 1, list.Limit)

	rec = env.do(t, http.MethodGet, "/v1/searches?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/searches?pending=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[pendingList](t, rec)
	require.Len(t, pending.Pending, 2)
	for _, p := range pending.Pending {
		require.Equal(t, session.ReasonActive, p.Reason)
		require.NotNil(t, p.Job)
	}
}

func TestGetSearchReturnsResults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.createSearch(t, `{"query":"a","categories":["CHEM"]}`)
	require.NoError(t, env.store.UpsertCategoryCounts(context.Background(), crawler.CategoryCounts{
		SearchID:     out.Search.ID,
		CategoryAbbr: "CHEM",
		Counts: map[string]crawler.CountBucket{
			crawler.CountKeyTotal: {Name: "Total", Count: 3},
		},
	}))

	rec := env.do(t, http.MethodGet, "/v1/searches/"+out.Search.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[session.Results](t, rec)
	require.Equal(t, out.Search.ID, results.Search.ID)
	require.Equal(t, crawler.SearchStatePending, results.State)
	require.Len(t, results.Counts, 1)
	require.Equal(t, 3, results.Counts[0].Counts[crawler.CountKeyTotal].Count)

	rec = env.do(t, http.MethodGet, "/v1/searches/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartAndResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	out := env.createSearch(t, `{"query":"a","categories":["CHEM"]}`)
	_, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/searches/"+out.Search.ID+"/restart", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	restarted := decode[searchAccepted](t, rec)
	require.NotEqual(t, out.Job.ID, restarted.Job.ID)

	prior, err := env.queue.Fetch(ctx, out.Job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, prior.Status)

	item, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.PriorityHigh, item.Priority)

	rec = env.do(t, http.MethodPost, "/v1/searches/"+out.Search.ID+"/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resumed := decode[searchAccepted](t, rec)
	require.Equal(t, restarted.Job.ID, resumed.Job.ID)

	rec = env.do(t, http.MethodPost, "/v1/searches/"+out.Search.ID+"/restart", `{"category":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResumeFinishedSearchConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.createSearch(t, `{"query":"a","categories":["CHEM"]}`)
	_, err := env.store.MutateSearch(context.Background(), out.Search.ID, func(s *crawler.Search) error {
		s.FinishedCategories = []string{"CHEM"}
		s.Finished = true
		return nil
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/searches/"+out.Search.ID+"/resume", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteSearch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.createSearch(t, `{"query":"a"}`)

	rec := env.do(t, http.MethodDelete, "/v1/searches/"+out.Search.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/searches/"+out.Search.ID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/searches/"+out.Search.ID+"/entries", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/searches/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEntriesAndSources(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	out := env.createSearch(t, `{"query":"a","categories":["CHEM","BIOC"]}`)
	id := out.Search.ID
	src := int64(10)
	for _, e := range []crawler.ResultEntry{
		{SearchID: id, CategoryAbbr: "CHEM", ExternalDocID: "1", Title: "one", SourceID: &src},
		{SearchID: id, CategoryAbbr: "CHEM", ExternalDocID: "2", Title: "two"},
		{SearchID: id, CategoryAbbr: "BIOC", ExternalDocID: "3", Title: "three", SourceID: &src},
	} {
		require.NoError(t, env.store.InsertEntry(ctx, e))
	}

	rec := env.do(t, http.MethodGet, "/v1/searches/"+id+"/entries?category=chem", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[struct {
		Entries []crawler.ResultEntry `json:"entries"`
	}](t, rec)
	require.Len(t, entries.Entries, 2)

	rec = env.do(t, http.MethodGet, "/v1/searches/"+id+"/entries?unknown=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries = decode[struct {
		Entries []crawler.ResultEntry `json:"entries"`
	}](t, rec)
	require.Len(t, entries.Entries, 1)
	require.Equal(t, "2", entries.Entries[0].ExternalDocID)

	rec = env.do(t, http.MethodGet, "/v1/searches/"+id+"/entries?unknown=maybe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1/searches/"+id+"/entries?unknown=true&classification=1601", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/searches/"+id+"/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sources := decode[struct {
		Sources []crawler.SourceCount `json:"sources"`
	}](t, rec)
	require.Len(t, sources.Sources, 2)
	require.Equal(t, "Journal A", sources.Sources[0].Name)
	require.Equal(t, 2, sources.Sources[0].Count)
	require.Nil(t, sources.Sources[1].SourceID)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	out := env.createSearch(t, `{"query":"a"}`)
	require.NoError(t, env.store.StartRun(ctx, out.Job.ID, out.Search.ID, time.Date(2024, 5, 1, 9, 1, 0, 0, time.UTC)))
	require.NoError(t, env.store.AddProgress(ctx, out.Job.ID, 2, 40))

	rec := env.do(t, http.MethodGet, "/v1/searches/"+out.Search.ID+"/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Runs []crawler.SearchRun `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 1)
	require.Equal(t, int64(2), runs.Runs[0].Pages)
	require.Equal(t, int64(40), runs.Runs[0].Entries)
}

func TestListClassifications(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/classifications?category=chem", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Categories      []crawler.Category       `json:"categories"`
		Classifications []crawler.Classification `json:"classifications"`
	}](t, rec)
	require.Len(t, body.Categories, 2)
	require.Len(t, body.Classifications, 1)
	require.Equal(t, "1601", body.Classifications[0].Code)
}

func TestGetAbstract(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/abstracts/85012345678", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "An abstract.", decode[map[string]string](t, rec)["abstract"])

	limited := newTestEnv(t, func(d *Deps, _ *config.Config) {
		d.Abstracts = fakeAbstracts{err: &crawler.RateLimitError{ResetAt: time.Unix(1714550400, 0)}}
	})
	rec = limited.do(t, http.MethodGet, "/v1/abstracts/85012345678", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	disabled := newTestEnv(t, func(d *Deps, _ *config.Config) { d.Abstracts = nil })
	rec = disabled.do(t, http.MethodGet, "/v1/abstracts/85012345678", "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ *Deps, cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	rec := env.do(t, http.MethodGet, "/v1/searches", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/searches", nil)
	req.Header.Set("X-API-Key", "secret")
	out := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	rec = env.do(t, http.MethodGet, "/v1/searches?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteServiceErrorMapping(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	cases := []struct {
		err  error
		want int
	}{
		{err: crawler.NewValidationError("query", "is required"), want: http.StatusBadRequest},
		{err: fmt.Errorf("load: %w", crawler.ErrNotFound), want: http.StatusNotFound},
		{err: crawler.ErrSearchDeleted, want: http.StatusConflict},
		{err: crawler.ErrInvalidTransition, want: http.StatusConflict},
		{err: &crawler.RateLimitError{}, want: http.StatusTooManyRequests},
		{err: &crawler.UpstreamError{Message: "bad query"}, want: http.StatusBadGateway},
		{err: &crawler.TransportError{StatusCode: 503, Err: errors.New("unavailable")}, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		require.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
