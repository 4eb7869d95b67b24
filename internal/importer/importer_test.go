package importer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/storage/memory"
)

const header = "Sourcerecord ID,Source Title (Medline-sourced journals are indicated in Green),Print-ISSN,E-ISSN,All Science Journal Classification Codes (ASJC)\n"

const sourceList = "\ufeff" + header +
	"10,Journal A,1234-5678,,\"1601; 1602\"\n" +
	"11,Journal B,,8765-4321,\"1601,9999\"\n" +
	",Missing Id,,,1601\n" +
	"abc,Bad Id,,,1601\n"

type fakeFetcher struct {
	items []crawler.SubjectClassification
	err   error
}

func (f fakeFetcher) FetchClassifications(context.Context) ([]crawler.SubjectClassification, error) {
	return f.items, f.err
}

var subjects = []crawler.SubjectClassification{
	{Code: "1601", Abbrev: "CHEM", Description: "Chemistry", Detail: "Chemistry (misc)"},
	{Code: "1602", Abbrev: "CHEM", Description: "Chemistry", Detail: "Analytical Chemistry"},
	{Code: "1301", Abbrev: "BIOC", Description: "Biochemistry", Detail: "Biochemistry (misc)"},
}

func stringOpener(body string) Opener {
	return func(context.Context, string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func TestReadSources(t *testing.T) {
	t.Parallel()

	rows, skipped, err := ReadSources(strings.NewReader(sourceList))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Len(t, skipped, 2)
	require.Equal(t, 4, skipped[0].Line)
	require.Equal(t, "missing source id", skipped[0].Reason)
	require.Contains(t, skipped[1].Reason, "invalid source id")

	a := rows[0].Source
	require.Equal(t, int64(10), a.SourceID)
	require.Equal(t, "Journal A", a.Name)
	require.NotNil(t, a.ISSNPrint)
	require.Equal(t, "1234-5678", *a.ISSNPrint)
	require.Nil(t, a.ISSNElectronic)
	require.Equal(t, []string{"1601", "1602"}, a.ClassificationCodes)
	require.Equal(t, 2, rows[0].Line)
}

func TestReadSourcesRejectsBadHeaders(t *testing.T) {
	t.Parallel()

	_, _, err := ReadSources(strings.NewReader(""))
	require.ErrorContains(t, err, "empty")

	_, _, err = ReadSources(strings.NewReader("Sourcerecord ID,Title\n1,x\n"))
	require.ErrorContains(t, err, "missing column")
}

func TestSplitCodes(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"1601", "1602", "2700"}, SplitCodes(" 1601;1602 , 2700 "))
	require.Nil(t, SplitCodes(""))
	require.Nil(t, SplitCodes(" ; , "))
}

func TestRunDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil)
	im := New(fakeFetcher{items: subjects}, store, stringOpener(sourceList), Config{}, zap.NewNop())

	sum, err := im.Run(context.Background(), "sources.csv")
	require.NoError(t, err)
	require.Equal(t, Summary{
		Categories:      2,
		Classifications: 3,
		Sources:         2,
		Links:           3,
		UnknownCodes:    1,
		SkippedRows:     2,
	}, sum)

	cats, err := store.ListCategories(context.Background())
	require.NoError(t, err)
	require.Empty(t, cats)
	_, err = store.GetSource(context.Background(), 10)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRunExecuteUpsertsAndLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	im := New(fakeFetcher{items: subjects}, store, stringOpener(sourceList), Config{Execute: true, Concurrency: 2}, zap.NewNop())

	sum, err := im.Run(ctx, "sources.csv")
	require.NoError(t, err)
	require.True(t, sum.Execute)
	require.Equal(t, 3, sum.Links)
	require.Equal(t, 1, sum.UnknownCodes)

	classifications, err := store.ListClassifications(ctx, "CHEM")
	require.NoError(t, err)
	require.Len(t, classifications, 2)

	a, err := store.GetSource(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "Journal A", a.Name)
	require.ElementsMatch(t, []string{"1601", "1602"}, a.ClassificationCodes)

	b, err := store.GetSource(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, []string{"1601"}, b.ClassificationCodes)

	// A second run is idempotent.
	_, err = im.Run(ctx, "sources.csv")
	require.NoError(t, err)
	a, err = store.GetSource(ctx, 10)
	require.NoError(t, err)
	require.Len(t, a.ClassificationCodes, 2)
}

func TestRunWithoutSourceList(t *testing.T) {
	t.Parallel()

	opened := false
	open := func(context.Context, string) (io.ReadCloser, error) {
		opened = true
		return nil, errors.New("unexpected open")
	}
	im := New(fakeFetcher{items: subjects}, memory.NewStore(nil), open, Config{Execute: true}, nil)
	sum, err := im.Run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 3, sum.Classifications)
	require.False(t, opened)
}

func TestRunPropagatesFailures(t *testing.T) {
	t.Parallel()

	im := New(fakeFetcher{err: errors.New("quota")}, memory.NewStore(nil), stringOpener(sourceList), Config{}, nil)
	_, err := im.Run(context.Background(), "sources.csv")
	require.ErrorContains(t, err, "fetch classifications")

	failOpen := func(context.Context, string) (io.ReadCloser, error) { return nil, errors.New("no such file") }
	im = New(fakeFetcher{items: subjects}, memory.NewStore(nil), failOpen, Config{}, nil)
	_, err = im.Run(context.Background(), "sources.csv")
	require.ErrorContains(t, err, "open source list")
}

func TestNewOpenerReadsLocalFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sources.csv")
	require.NoError(t, os.WriteFile(path, []byte(sourceList), 0o600))

	dialed := false
	open := NewOpener(func(context.Context) (*storage.Client, error) {
		dialed = true
		return nil, errors.New("no credentials")
	})

	rc, err := open(context.Background(), path)
	require.NoError(t, err)
	rows, _, err := ReadSources(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Len(t, rows, 2)
	require.False(t, dialed)

	_, err = open(context.Background(), "gs://bucket/sources.csv")
	require.ErrorContains(t, err, "no credentials")
	require.True(t, dialed)

	_, err = open(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}
