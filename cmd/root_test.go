package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/importer"
)

type mockApp struct {
	mock.Mock
}

func (m *mockApp) Run(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockApp) RunImport(ctx context.Context, location string, execute bool, concurrency int) (importer.Summary, error) {
	args := m.Called(ctx, location, execute, concurrency)
	return args.Get(0).(importer.Summary), args.Error(1)
}

func (m *mockApp) SweepOnce(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockApp) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockApp) Logger() *zap.Logger {
	return zap.NewNop()
}

// withApp swaps the factory for the duration of a test. Tests using it must
// not run in parallel.
func withApp(t *testing.T, app App, factoryErr error) *string {
	t.Helper()
	orig := newApp
	var gotCfg string
	newApp = func(_ context.Context, cfgFile string) (App, error) {
		gotCfg = cfgFile
		if factoryErr != nil {
			return nil, factoryErr
		}
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &gotCfg
}

func execute(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportCommandDefaultsToDryRun(t *testing.T) {
	app := &mockApp{}
	app.On("RunImport", mock.Anything, "gs://ref/sources.csv", false, 8).
		Return(importer.Summary{Sources: 12, Links: 30}, nil).Once()
	app.On("Close", mock.Anything).Return(nil).Once()
	cfgPath := withApp(t, app, nil)

	out, err := execute("import", "--config", "cfg.yaml", "--sources", "gs://ref/sources.csv")
	require.NoError(t, err)
	require.Contains(t, out, `"sources": 12`)
	require.Equal(t, "cfg.yaml", *cfgPath)
	app.AssertExpectations(t)
}

func TestImportCommandExecute(t *testing.T) {
	app := &mockApp{}
	app.On("RunImport", mock.Anything, "sources.csv", true, 2).
		Return(importer.Summary{Execute: true}, nil).Once()
	app.On("Close", mock.Anything).Return(nil).Once()
	withApp(t, app, nil)

	_, err := execute("import", "--sources", "sources.csv", "--execute", "--concurrency", "2")
	require.NoError(t, err)
	app.AssertExpectations(t)
}

func TestSweepCommand(t *testing.T) {
	app := &mockApp{}
	app.On("SweepOnce", mock.Anything).Return(3, nil).Once()
	app.On("Close", mock.Anything).Return(nil).Once()
	withApp(t, app, nil)

	out, err := execute("sweep")
	require.NoError(t, err)
	require.Contains(t, out, "purged 3 stale searches")
	app.AssertExpectations(t)
}

func TestServeCommandPropagatesErrors(t *testing.T) {
	app := &mockApp{}
	app.On("Run", mock.Anything).Return(errors.New("port in use")).Once()
	withApp(t, app, nil)

	_, err := execute("serve")
	require.ErrorContains(t, err, "port in use")
	app.AssertExpectations(t)
}

func TestFactoryFailure(t *testing.T) {
	withApp(t, nil, errors.New("bad config"))

	_, err := execute("sweep")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestResolveAppWithoutApp(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
