package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(config.RegistryConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return repo
}

func storeRun(t *testing.T, repo *Repository, runID, strategy, symbol string) {
	t.Helper()
	_, err := repo.Store(messages.StoreResultsRequest{
		RunID:        runID,
		StrategyName: strategy,
		Symbol:       symbol,
		BacktestResults: &messages.BacktestResultsResponse{
			RunID:        runID,
			Status:       "completed",
			FinalBalance: decimal.NewFromInt(2600),
			TotalReturn:  decimal.NewFromInt(100),
		},
	})
	require.NoError(t, err)
}

func TestStoreWritesRecordWithMetadata(t *testing.T) {
	repo := newRepo(t)

	resp, err := repo.Store(messages.StoreResultsRequest{
		RunID:        "run-1",
		StrategyName: "carga_descarga",
		Symbol:       "BTCUSDT",
		BacktestResults: &messages.BacktestResultsResponse{RunID: "run-1", Status: "completed"},
		EvaluationResults: &messages.EvaluationResponse{
			RunID: "run-1", Passed: true, Recommendation: "promote",
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "backtest-run-1", resp.StorageID)

	raw, err := os.ReadFile(filepath.Join(repo.basePath, "backtests", "run-1.json"))
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(raw, &record))
	meta, ok := record["_metadata"].(map[string]any)
	require.True(t, ok, "record must embed _metadata")
	assert.Equal(t, "backtest-run-1", meta["storage_id"])
	assert.Equal(t, "backtest", meta["result_type"])

	_, err = os.Stat(filepath.Join(repo.basePath, "evaluations", "run-1.json"))
	require.NoError(t, err)

	entry := repo.Entry("run-1")
	require.NotNil(t, entry)
	assert.ElementsMatch(t, []string{"backtest", "evaluation"}, entry.ResultTypes)
}

func TestStoreRejectsEmptyRequests(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.Store(messages.StoreResultsRequest{RunID: ""})
	require.Error(t, err)
	assert.Equal(t, messages.ErrCodeInvalidRequest, messages.ErrorCode(err))

	_, err = repo.Store(messages.StoreResultsRequest{RunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, messages.ErrCodeInvalidRequest, messages.ErrorCode(err))
}

func TestRetrieveByRunIDMergesResultTypes(t *testing.T) {
	repo := newRepo(t)
	storeRun(t, repo, "run-1", "carga_descarga", "BTCUSDT")
	_, err := repo.Store(messages.StoreResultsRequest{
		RunID: "run-1",
		OptimizationResults: &messages.OptimizationResult{
			RunID: "run-1", Confidence: 0.7,
		},
	})
	require.NoError(t, err)

	resp, err := repo.Retrieve(messages.RetrieveResultsRequest{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	record := resp.Results[0]
	assert.Equal(t, "run-1", record["run_id"])
	assert.Contains(t, record, "backtest")
	assert.Contains(t, record, "optimization")
}

func TestRetrieveUnknownRunIsEmpty(t *testing.T) {
	repo := newRepo(t)
	resp, err := repo.Retrieve(messages.RetrieveResultsRequest{RunID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.TotalCount)
}

func TestRetrieveByStrategyPaginates(t *testing.T) {
	repo := newRepo(t)
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		storeRun(t, repo, id, "carga_descarga", "BTCUSDT")
	}
	storeRun(t, repo, "run-other", "momentum", "ETHUSDT")

	resp, err := repo.Retrieve(messages.RetrieveResultsRequest{
		StrategyName: "carga_descarga", Limit: 2, Offset: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalCount)
	assert.Len(t, resp.Results, 2)

	resp, err = repo.Retrieve(messages.RetrieveResultsRequest{
		StrategyName: "carga_descarga", Limit: 2, Offset: 2,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)

	resp, err = repo.Retrieve(messages.RetrieveResultsRequest{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "run-other", resp.Results[0]["run_id"])
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewRepository(config.RegistryConfig{BasePath: dir})
	require.NoError(t, err)
	storeRun(t, repo, "run-1", "carga_descarga", "BTCUSDT")

	reopened, err := NewRepository(config.RegistryConfig{BasePath: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.RunCount())
	require.NotNil(t, reopened.Entry("run-1"))
}

func TestPruneRemovesOldRuns(t *testing.T) {
	repo := newRepo(t)
	storeRun(t, repo, "run-old", "carga_descarga", "BTCUSDT")
	storeRun(t, repo, "run-new", "carga_descarga", "BTCUSDT")

	// Age the first run by rewriting its index entry.
	repo.index.Runs["run-old"].StoredAt = time.Now().UTC().Add(-48 * time.Hour)

	removed, err := repo.Prune(time.Now().UTC().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Nil(t, repo.Entry("run-old"))
	require.NotNil(t, repo.Entry("run-new"))

	_, err = os.Stat(filepath.Join(repo.basePath, "backtests", "run-old.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestStorageSize(t *testing.T) {
	repo := newRepo(t)
	storeRun(t, repo, "run-1", "carga_descarga", "BTCUSDT")
	size, err := repo.StorageSize()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
