package scopus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/stretchr/testify/require"
)

type recordingPacer struct {
	endpoints []string
}

func (p *recordingPacer) Wait(_ context.Context, endpoint string) error {
	p.endpoints = append(p.endpoints, endpoint)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordingPacer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	pacer := &recordingPacer{}
	return NewClient(Config{
		BaseURL:   srv.URL,
		APIKey:    "key-123",
		InstToken: "inst-456",
		Timeout:   2 * time.Second,
		Pacer:     pacer,
	}), pacer
}

func TestFetchPageParsesResults(t *testing.T) {
	t.Parallel()

	client, pacer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/content/search/scopus", r.URL.Path)
		require.Equal(t, "key-123", r.Header.Get("X-ELS-APIKey"))
		require.Equal(t, "inst-456", r.Header.Get("X-ELS-Insttoken"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.Equal(t, `ABS("gene") AND SUBJAREA(CHEM)`, r.URL.Query().Get("query"))
		require.Equal(t, "*", r.URL.Query().Get("cursor"))
		require.Equal(t, "200", r.URL.Query().Get("count"))

		w.Header().Set("X-RateLimit-Remaining", "19876")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"search-results":{
			"opensearch:totalResults":"2",
			"cursor":{"@current":"*","@next":"AoJ+cursor/2="},
			"entry":[
				{"dc:identifier":"SCOPUS_ID:1","dc:title":"One","source-id":"10","subtype":"ar"},
				{"dc:identifier":"SCOPUS_ID:2","dc:title":"Two","source-id":"11","subtype":"cp"}
			]}}`))
	})

	page, err := client.FetchPage(context.Background(), crawler.PageRequest{
		Query: `ABS("gene") AND SUBJAREA(CHEM)`,
		Count: 200,
	})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, "AoJ+cursor/2=", page.NextCursor)
	require.Equal(t, 2, page.TotalResults)
	require.Equal(t, 19876, page.RateLimitRemaining)
	require.Equal(t, "SCOPUS_ID:1", page.Entries[0].Identifier)
	require.Equal(t, []string{EndpointSearch}, pacer.endpoints)
}

func TestFetchPageCursorIsEscaped(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "AoJ+a/b=", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"search-results":{"opensearch:totalResults":0,"entry":[]}}`))
	})

	page, err := client.FetchPage(context.Background(), crawler.PageRequest{Query: "q", Cursor: "AoJ+a/b="})
	require.NoError(t, err)
	require.Empty(t, page.Entries)
	require.Equal(t, -1, page.RateLimitRemaining)
}

func TestFetchPageErrorTaxonomy(t *testing.T) {
	t.Parallel()

	t.Run("rate limit", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-RateLimit-Reset", "1700000000")
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := client.FetchPage(context.Background(), crawler.PageRequest{Query: "q"})
		var rle *crawler.RateLimitError
		require.True(t, errors.As(err, &rle))
		require.Equal(t, time.Unix(1700000000, 0).UTC(), rle.ResetAt)
	})

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := client.FetchPage(context.Background(), crawler.PageRequest{Query: "q"})
		var te *crawler.TransportError
		require.True(t, errors.As(err, &te))
		require.Equal(t, http.StatusBadGateway, te.StatusCode)
	})

	t.Run("client error", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"service-error":{"status":{"statusCode":"INVALID_INPUT","statusText":"Error translating query"}}}`))
		})
		_, err := client.FetchPage(context.Background(), crawler.PageRequest{Query: "q"})
		var ue *crawler.UpstreamError
		require.True(t, errors.As(err, &ue))
		require.Equal(t, "Error translating query", ue.Message)
	})

	t.Run("network error", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()
		client := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
		_, err := client.FetchPage(context.Background(), crawler.PageRequest{Query: "q"})
		var te *crawler.TransportError
		require.True(t, errors.As(err, &te))
	})
}

func TestFetchClassifications(t *testing.T) {
	t.Parallel()

	client, pacer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/content/subject/scopus", r.URL.Path)
		_, _ = w.Write([]byte(`{"subject-classifications":{"subject-classification":[
			{"code":"1101","abbrev":"AGRI","description":"Agricultural and Biological Sciences","detail":"Agricultural and Biological Sciences (miscellaneous)"},
			{"code":"1102","abbrev":"AGRI","description":"Agricultural and Biological Sciences","detail":"Agronomy and Crop Science"},
			{"code":"1501","abbrev":"CENG","description":"Chemical Engineering","detail":"Chemical Engineering (miscellaneous)"}
		]}}`))
	})

	items, err := client.FetchClassifications(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{EndpointSubject}, pacer.endpoints)

	categories, classifications := ToReference(items)
	require.Equal(t, []crawler.Category{
		{Abbr: "AGRI", Name: "Agricultural and Biological Sciences"},
		{Abbr: "CENG", Name: "Chemical Engineering"},
	}, categories)
	require.Equal(t, "Agronomy and Crop Science", classifications[1].Name)
	require.Equal(t, "AGRI", classifications[1].CategoryAbbr)
}

func TestFetchAbstractShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "plain string",
			body: `{"abstracts-retrieval-response":{"coredata":{"dc:description":"Plain abstract."}}}`,
			want: "Plain abstract.",
		},
		{
			name: "nested paragraph",
			body: `{"abstracts-retrieval-response":{"coredata":{"dc:description":{"abstract":{"ce:para":"Nested abstract."}}}}}`,
			want: "Nested abstract.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/content/abstract/scopus_id/85012345678", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := client.FetchAbstract(context.Background(), "SCOPUS_ID:85012345678")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFetchAbstractNotFound(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.FetchAbstract(context.Background(), "1")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = client.FetchAbstract(context.Background(), " ")
	require.True(t, crawler.IsValidation(err))
}
