package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/app"
	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/harvest"
)

type fakeRunner struct {
	source  string
	keys    []string
	until   time.Time
	kind    string
	window  enrich.Window
	err     error
	started bool
	closed  int

	configPath string
}

func (f *fakeRunner) Harvest(_ context.Context, source string, keys []string, until time.Time) (app.Summary, error) {
	f.source, f.keys, f.until = source, keys, until
	return app.Summary{
		RunID:   "run-1",
		Targets: []app.TargetSummary{{Target: harvest.Target{Source: source, Key: "IBM"}}},
	}, f.err
}

func (f *fakeRunner) Enrich(_ context.Context, kind string, window enrich.Window) (enrich.Result, error) {
	f.kind, f.window = kind, window
	return enrich.Result{Chunks: 1, Written: 3}, f.err
}

func (f *fakeRunner) StartOps() { f.started = true }

func (f *fakeRunner) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeRunner) Close(context.Context) error {
	f.closed++
	return nil
}

func run(t *testing.T, runner *fakeRunner, args ...string) (*cli, error) {
	t.Helper()
	c := &cli{newApp: func(_ context.Context, path string) (Runner, error) {
		runner.configPath = path
		return runner, nil
	}}
	root := c.newRootCmd()
	root.SetArgs(append([]string{"--config", "harvest.yaml"}, args...))
	root.SetOut(&discard{})
	root.SetErr(&discard{})
	err := root.ExecuteContext(context.Background())
	c.close()
	return c, err
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestHarvestCommandPassesTargetsAndUntil(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	_, err := run(t, runner, "harvest", "timeline", "IBM", "WMT", "--until", "2017-03-01")
	require.NoError(t, err)
	require.Equal(t, "timeline", runner.source)
	require.Equal(t, []string{"IBM", "WMT"}, runner.keys)
	require.Equal(t, time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC), runner.until)
	require.Equal(t, "harvest.yaml", runner.configPath)
	require.True(t, runner.started)
	require.Equal(t, 1, runner.closed)
}

func TestHarvestCommandFailsOnExhaustion(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: harvest.ErrEscalationExhausted}
	_, err := run(t, runner, "harvest", "feed")
	require.ErrorIs(t, err, harvest.ErrEscalationExhausted)
	require.Empty(t, runner.keys)
	require.True(t, runner.until.IsZero())
	require.Equal(t, 1, runner.closed)
}

func TestEnrichCommandWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    enrich.Window
		wantErr bool
	}{
		{
			name: "open window",
			args: []string{"enrich", "tweets"},
		},
		{
			name: "bounded",
			args: []string{"enrich", "news", "--start", "2017-01-01", "--end", "2017-02-01"},
			want: enrich.Window{
				Start: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2017, 2, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		{
			name:    "inverted",
			args:    []string{"enrich", "news", "--start", "2017-02-01", "--end", "2017-01-01"},
			wantErr: true,
		},
		{
			name:    "bad date",
			args:    []string{"enrich", "news", "--end", "01/02/2017"},
			wantErr: true,
		},
		{
			name:    "missing kind",
			args:    []string{"enrich"},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runner := &fakeRunner{}
			_, err := run(t, runner, tc.args...)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.args[1], runner.kind)
			require.Equal(t, tc.want, runner.window)
		})
	}
}

func TestBuildFailureIsReported(t *testing.T) {
	t.Parallel()

	c := &cli{newApp: func(context.Context, string) (Runner, error) {
		return nil, errors.New("bad config")
	}}
	root := c.newRootCmd()
	root.SetArgs([]string{"harvest", "feed"})
	root.SetOut(&discard{})
	root.SetErr(&discard{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "bad config")
	require.Nil(t, c.app)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	got, err := parseDate("")
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = parseDate("2016-12-31")
	require.NoError(t, err)
	require.Equal(t, time.Date(2016, 12, 31, 0, 0, 0, 0, time.UTC), got)

	_, err = parseDate("yesterday")
	require.Error(t, err)
}
