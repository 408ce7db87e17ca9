// Package registry persists run results as JSON files with a cross-run
// index, so qualified strategies and their history survive restarts.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// Result type labels, also used as storage id prefixes.
const (
	TypeBacktest     = "backtest"
	TypeEvaluation   = "evaluation"
	TypeOptimization = "optimization"

	indexFile = "index.json"
)

// One subdirectory per result type.
var typeDirs = map[string]string{
	TypeBacktest:     "backtests",
	TypeEvaluation:   "evaluations",
	TypeOptimization: "optimizations",
}

// IndexEntry summarizes one run in the index.
type IndexEntry struct {
	RunID        string    `json:"run_id"`
	StrategyName string    `json:"strategy_name"`
	Symbol       string    `json:"symbol"`
	StoredAt     time.Time `json:"stored_at"`
	ResultTypes  []string  `json:"result_types"`
}

// Index maps runs, strategies and symbols to stored results.
type Index struct {
	Runs       map[string]*IndexEntry `json:"runs"`
	Strategies map[string][]string    `json:"strategies"`
	Symbols    map[string][]string    `json:"symbols"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Repository stores result payloads under a base directory.
type Repository struct {
	basePath string
	logger   zerolog.Logger

	mu    sync.Mutex
	index *Index
}

// NewRepository opens (or initializes) the registry at cfg.BasePath.
func NewRepository(cfg config.RegistryConfig) (*Repository, error) {
	r := &Repository{
		basePath: cfg.BasePath,
		logger:   config.NewLogger("registry"),
	}
	for _, dir := range typeDirs {
		if err := os.MkdirAll(filepath.Join(cfg.BasePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(r.basePath, indexFile))
	if os.IsNotExist(err) {
		now := time.Now().UTC()
		r.index = &Index{
			Runs:       make(map[string]*IndexEntry),
			Strategies: make(map[string][]string),
			Symbols:    make(map[string][]string),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return r.saveIndexLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	if idx.Runs == nil {
		idx.Runs = make(map[string]*IndexEntry)
	}
	if idx.Strategies == nil {
		idx.Strategies = make(map[string][]string)
	}
	if idx.Symbols == nil {
		idx.Symbols = make(map[string][]string)
	}
	r.index = &idx
	return nil
}

func (r *Repository) saveIndexLocked() error {
	r.index.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(r.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.basePath, indexFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// Store persists every payload present in the request and updates the
// index. The returned storage id names the first payload written, in
// backtest, evaluation, optimization order.
func (r *Repository) Store(req messages.StoreResultsRequest) (*messages.StoreResultsResponse, error) {
	if req.RunID == "" {
		return nil, &messages.CodedError{Code: messages.ErrCodeInvalidRequest, Message: "run_id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stored []string
	var firstID string
	write := func(resultType string, payload any) error {
		if payload == nil {
			return nil
		}
		storageID, err := r.writeResult(req.RunID, resultType, payload)
		if err != nil {
			return err
		}
		stored = append(stored, resultType)
		if firstID == "" {
			firstID = storageID
		}
		return nil
	}

	if req.BacktestResults != nil {
		if err := write(TypeBacktest, req.BacktestResults); err != nil {
			return nil, err
		}
	}
	if req.EvaluationResults != nil {
		if err := write(TypeEvaluation, req.EvaluationResults); err != nil {
			return nil, err
		}
	}
	if req.OptimizationResults != nil {
		if err := write(TypeOptimization, req.OptimizationResults); err != nil {
			return nil, err
		}
	}
	if len(stored) == 0 {
		return nil, &messages.CodedError{Code: messages.ErrCodeInvalidRequest, Message: "no results to store"}
	}

	r.updateIndexLocked(req, stored)
	if err := r.saveIndexLocked(); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("run_id", req.RunID).
		Strs("result_types", stored).
		Msg("Results stored")
	return &messages.StoreResultsResponse{
		RunID:     req.RunID,
		StorageID: firstID,
		Success:   true,
	}, nil
}

// writeResult flattens the payload to a map, attaches _metadata and writes
// {run_id}.json into the result type's directory.
func (r *Repository) writeResult(runID, resultType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s results: %w", resultType, err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", fmt.Errorf("failed to flatten %s results: %w", resultType, err)
	}

	storageID := fmt.Sprintf("%s-%s", resultType, runID)
	record["_metadata"] = map[string]any{
		"storage_id":  storageID,
		"stored_at":   time.Now().UTC().Format(time.RFC3339),
		"result_type": resultType,
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s record: %w", resultType, err)
	}
	path := filepath.Join(r.basePath, typeDirs[resultType], runID+".json")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s record: %w", resultType, err)
	}
	return storageID, nil
}

func (r *Repository) updateIndexLocked(req messages.StoreResultsRequest, stored []string) {
	entry, ok := r.index.Runs[req.RunID]
	if !ok {
		entry = &IndexEntry{RunID: req.RunID}
		r.index.Runs[req.RunID] = entry
		if req.StrategyName != "" {
			r.index.Strategies[req.StrategyName] = append(r.index.Strategies[req.StrategyName], req.RunID)
		}
		if req.Symbol != "" {
			r.index.Symbols[req.Symbol] = append(r.index.Symbols[req.Symbol], req.RunID)
		}
	}
	if req.StrategyName != "" {
		entry.StrategyName = req.StrategyName
	}
	if req.Symbol != "" {
		entry.Symbol = req.Symbol
	}
	entry.StoredAt = time.Now().UTC()
	for _, resultType := range stored {
		if !contains(entry.ResultTypes, resultType) {
			entry.ResultTypes = append(entry.ResultTypes, resultType)
		}
	}
}

// Retrieve answers a filtered query. A run id returns that run's merged
// payloads; otherwise strategy or symbol selects runs, newest first, with
// limit/offset pagination.
func (r *Repository) Retrieve(req messages.RetrieveResultsRequest) (*messages.RetrieveResultsResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.RunID != "" {
		record, err := r.readRunLocked(req.RunID)
		if err != nil {
			return nil, err
		}
		resp := &messages.RetrieveResultsResponse{Limit: req.Limit, Offset: req.Offset}
		if record != nil {
			resp.Results = []map[string]any{record}
			resp.TotalCount = 1
		}
		return resp, nil
	}

	var runIDs []string
	switch {
	case req.StrategyName != "":
		runIDs = r.index.Strategies[req.StrategyName]
	case req.Symbol != "":
		runIDs = r.index.Symbols[req.Symbol]
	default:
		for id := range r.index.Runs {
			runIDs = append(runIDs, id)
		}
	}

	// Newest first.
	ids := make([]string, len(runIDs))
	copy(ids, runIDs)
	sort.Slice(ids, func(i, j int) bool {
		ei, ej := r.index.Runs[ids[i]], r.index.Runs[ids[j]]
		if ei == nil || ej == nil {
			return ei != nil
		}
		return ei.StoredAt.After(ej.StoredAt)
	})

	resp := &messages.RetrieveResultsResponse{
		TotalCount: len(ids),
		Limit:      req.Limit,
		Offset:     req.Offset,
	}
	start := req.Offset
	if start > len(ids) {
		start = len(ids)
	}
	end := len(ids)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	for _, id := range ids[start:end] {
		record, err := r.readRunLocked(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			resp.Results = append(resp.Results, record)
		}
	}
	return resp, nil
}

// readRunLocked merges every stored payload of one run into a single
// record keyed by result type.
func (r *Repository) readRunLocked(runID string) (map[string]any, error) {
	entry, ok := r.index.Runs[runID]
	if !ok {
		return nil, nil
	}
	record := map[string]any{
		"run_id":        entry.RunID,
		"strategy_name": entry.StrategyName,
		"symbol":        entry.Symbol,
	}
	for _, resultType := range entry.ResultTypes {
		path := filepath.Join(r.basePath, typeDirs[resultType], runID+".json")
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s record: %w", resultType, err)
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse %s record: %w", resultType, err)
		}
		record[resultType] = payload
	}
	return record, nil
}

// Entry returns the index entry for a run, or nil.
func (r *Repository) Entry(runID string) *IndexEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.index.Runs[runID]; ok {
		copied := *e
		return &copied
	}
	return nil
}

// RunCount reports how many runs the index tracks.
func (r *Repository) RunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index.Runs)
}

// StorageSize walks the registry and sums the stored file sizes.
func (r *Repository) StorageSize() (int64, error) {
	var total int64
	err := filepath.Walk(r.basePath, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Prune removes runs stored before the cutoff and their files, returning
// how many runs were removed.
func (r *Repository) Prune(cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for runID, entry := range r.index.Runs {
		if !entry.StoredAt.Before(cutoff) {
			continue
		}
		for _, resultType := range entry.ResultTypes {
			path := filepath.Join(r.basePath, typeDirs[resultType], runID+".json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove %s record: %w", resultType, err)
			}
		}
		delete(r.index.Runs, runID)
		r.index.Strategies[entry.StrategyName] = remove(r.index.Strategies[entry.StrategyName], runID)
		r.index.Symbols[entry.Symbol] = remove(r.index.Symbols[entry.Symbol], runID)
		removed++
	}
	if removed > 0 {
		if err := r.saveIndexLocked(); err != nil {
			return removed, err
		}
		r.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Registry pruned")
	}
	return removed, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
