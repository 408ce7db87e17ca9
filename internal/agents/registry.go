package agents

import (
	"container/list"
	"sync"
	"time"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/messages"
	"github.com/ajitpratap0/stratqual/internal/registry"
)

// recentCacheCap bounds the in-memory cache of recently stored runs.
const recentCacheCap = 100

// RegistryAgent fronts the result repository with a recency cache and
// storage policies.
type RegistryAgent struct {
	BaseAgent
	repo *registry.Repository
	cfg  config.RegistryConfig

	mu    sync.Mutex
	cache map[string]map[string]any
	order *list.List // run ids, oldest at front
}

func NewRegistryAgent(repo *registry.Repository, cfg config.RegistryConfig) *RegistryAgent {
	return &RegistryAgent{
		BaseAgent: NewBaseAgent("registry", "pipeline"),
		repo:      repo,
		cfg:       cfg,
		cache:     make(map[string]map[string]any),
		order:     list.New(),
	}
}

// HandleStore persists the payloads and invalidates the run's cache
// entry.
func (a *RegistryAgent) HandleStore(req messages.StoreResultsRequest) (res *messages.StoreResultsResponse, err error) {
	defer func(start time.Time) { a.observe("store", start, err) }(time.Now())

	res, err = a.repo.Store(req)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	delete(a.cache, req.RunID)
	a.mu.Unlock()
	return res, nil
}

// HandleRetrieve serves single-run queries from the cache when possible
// and delegates everything else to the repository.
func (a *RegistryAgent) HandleRetrieve(req messages.RetrieveResultsRequest) (res *messages.RetrieveResultsResponse, err error) {
	defer func(start time.Time) { a.observe("retrieve", start, err) }(time.Now())

	if req.RunID != "" {
		a.mu.Lock()
		record, hit := a.cache[req.RunID]
		a.mu.Unlock()
		if hit {
			return &messages.RetrieveResultsResponse{
				Results:    []map[string]any{record},
				TotalCount: 1,
				Limit:      req.Limit,
				Offset:     req.Offset,
			}, nil
		}
	}

	res, err = a.repo.Retrieve(req)
	if err != nil {
		return nil, err
	}
	if req.RunID != "" && len(res.Results) == 1 {
		a.remember(req.RunID, res.Results[0])
	}
	return res, nil
}

func (a *RegistryAgent) remember(runID string, record map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cache[runID]; ok {
		return
	}
	a.cache[runID] = record
	a.order.PushBack(runID)
	for a.order.Len() > recentCacheCap {
		oldest := a.order.Front()
		a.order.Remove(oldest)
		delete(a.cache, oldest.Value.(string))
	}
}

// EnforcePolicies prunes runs past the retention window and warns when
// the registry exceeds its storage budget.
func (a *RegistryAgent) EnforcePolicies() error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)
	removed, err := a.repo.Prune(cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		a.mu.Lock()
		a.cache = make(map[string]map[string]any)
		a.order.Init()
		a.mu.Unlock()
	}

	size, err := a.repo.StorageSize()
	if err != nil {
		return err
	}
	if a.cfg.MaxStorageSize > 0 && size > a.cfg.MaxStorageSize {
		a.logger.Warn().
			Int64("size_bytes", size).
			Int64("limit_bytes", a.cfg.MaxStorageSize).
			Msg("Registry exceeds its storage budget")
	}
	return nil
}
