package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusforge/harvester/internal/app"
	"github.com/corpusforge/harvester/internal/clock/system"
	"github.com/corpusforge/harvester/internal/config"
	"github.com/corpusforge/harvester/internal/ledger"
	"github.com/corpusforge/harvester/internal/ledger/sqlite"
	"github.com/corpusforge/harvester/internal/tracker"
)

// installTestFactory swaps the app factory for one that forces an in-memory
// ledger and records the config it was handed. Tests stay sequential because
// the factory and persistent flags are package state.
func installTestFactory(t *testing.T) *config.Config {
	t.Helper()

	var got config.Config
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
		got = cfg
		cfg.Ledger.Backend = "sqlite"
		cfg.Ledger.Path = ":memory:"
		cfg.Snapshot.Dir = t.TempDir()
		cfg.Snapshot.GCSBucket = ""
		cfg.PubSub = config.PubSubConfig{}
		cfg.Server.Port = 0
		return app.New(ctx, cfg)
	}
	t.Cleanup(func() { newApp = orig })
	return &got
}

func TestRunRequiresSources(t *testing.T) {
	installTestFactory(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run"})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "no sources configured")
}

func TestRunDrainsEmptyLedger(t *testing.T) {
	installTestFactory(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--sources", "bbc"})
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, err)
}

func TestQuotaOverrideFlagReachesConfig(t *testing.T) {
	got := installTestFactory(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--sources", "bbc", "--quota-override", "bbc=5"})
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Quota.Overrides["bbc"])
}

func TestMalformedQuotaOverrideIsRejected(t *testing.T) {
	installTestFactory(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--sources", "bbc", "--quota-override", "bbc"})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "malformed quota override")
}

func TestStoreAndDBFlagsOverrideLedgerConfig(t *testing.T) {
	got := installTestFactory(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--sources", "bbc", "--store", "sqlite", "--db", "custom.db"})
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", got.Ledger.Backend)
	assert.Equal(t, "custom.db", got.Ledger.Path)
}

func TestRunKeepsRecentlyExhaustedEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
		cfg.Ledger.Backend = "sqlite"
		cfg.Ledger.Path = dbPath
		cfg.Snapshot.Dir = t.TempDir()
		cfg.Snapshot.GCSBucket = ""
		cfg.PubSub = config.PubSubConfig{}
		cfg.Server.Port = 0
		return app.New(ctx, cfg)
	}
	t.Cleanup(func() { newApp = orig })

	// Burn the whole retry budget just before the run; the entry must
	// survive the end-of-run sweep until the retention age passes.
	seed, err := sqlite.New(dbPath, system.New())
	require.NoError(t, err)
	ctx := context.Background()
	_, _, err = seed.Upsert(ctx, "https://x/dead", "bbc", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, seed.Transition(ctx, "https://x/dead",
			ledger.StateDiscovered, ledger.StateFailed,
			ledger.TransitionFields{LastError: "connect timeout"}))
		if i < 4 {
			require.NoError(t, seed.Requeue(ctx, "https://x/dead"))
		}
	}
	require.NoError(t, seed.Close())

	cmd := newRootCmd()
	cmd.SetArgs([]string{"run", "--sources", "bbc"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	store, err := sqlite.New(dbPath, system.New())
	require.NoError(t, err)
	defer store.Close()
	entry, err := store.Get(ctx, "https://x/dead")
	require.NoError(t, err, "retry-exhausted entry must stay for review until the retention age")
	assert.Equal(t, ledger.StateFailed, entry.State)
	assert.Equal(t, 5, entry.RetryCount)
}

func TestOpsHandlerServesLiveRunSnapshot(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Ledger.Path = ":memory:"
	cfg.Snapshot.Dir = t.TempDir()
	cfg.Server.Port = 0

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	run := tracker.Start("run-live", a.Clock)
	run.RecordStageEvent("bbc", tracker.StageDiscovered, 2)

	rec := httptest.NewRecorder()
	opsHandler(a, run).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/current", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-live")
	assert.Contains(t, rec.Body.String(), `"discovered":2`)
}
