package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/engine/cache"
	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTopK           = 10
	DefaultScoreThreshold = 0.7
)

// Upstream is the subset of the Dify client the repository depends on.
type Upstream interface {
	Retrieve(ctx context.Context, datasetID string, req dify.RetrieveRequest) ([]dify.Record, error)
	ListDatasets(ctx context.Context, keyword string) ([]dify.Dataset, error)
}

type RetrieveOptions struct {
	TopK           int
	ScoreThreshold float64
	UseCache       bool
	DatasetIDs     []string
}

func DefaultRetrieveOptions(datasetIDs ...string) RetrieveOptions {
	return RetrieveOptions{
		TopK:           DefaultTopK,
		ScoreThreshold: DefaultScoreThreshold,
		UseCache:       true,
		DatasetIDs:     datasetIDs,
	}
}

// Result is the merged answer for one query: records sorted by descending
// score and truncated to TopK. Cached results are shared and must not be mutated.
type Result struct {
	Query   string        `json:"query"`
	Records []dify.Record `json:"records"`
}

// Repository turns a query into a merged result with caching and parallel fan-out.
type Repository struct {
	upstream Upstream
	cache    *cache.Cache[*Result]
	tracer   trace.Tracer
}

// NewRepository takes ownership of c; Close stops it.
func NewRepository(upstream Upstream, c *cache.Cache[*Result]) *Repository {
	return &Repository{
		upstream: upstream,
		cache:    c,
		tracer:   otel.Tracer("knowledge-base-mcp.knowledge"),
	}
}

// RetrieveDocuments queries every dataset concurrently and merges the answers.
// A failure in any dataset fails the whole call.
func (r *Repository) RetrieveDocuments(ctx context.Context, query string, opts RetrieveOptions) (*Result, error) {
	ids := normalizeIDs(opts.DatasetIDs)
	if len(ids) == 0 {
		return nil, core.NewError(core.CodeInvalidArgument, "at least one dataset id is required", nil)
	}
	if opts.TopK <= 0 {
		return nil, core.NewError(core.CodeInvalidArgument, "topK must be positive",
			map[string]any{"top_k": opts.TopK})
	}
	log := logger.FromContext(ctx).With("datasets", len(ids), "top_k", opts.TopK)
	key := CacheKey(query, opts.TopK, opts.ScoreThreshold, ids)
	if opts.UseCache {
		if cached, ok := r.cache.Get(key); ok {
			RecordCacheResult(ctx, true)
			log.Debug("Retrieval served from cache", "records", len(cached.Records))
			return cached, nil
		}
		RecordCacheResult(ctx, false)
	}

	ctx, span := r.tracer.Start(ctx, "knowledge.repository.retrieve", trace.WithAttributes(
		attribute.Int("datasets", len(ids)),
		attribute.Int("top_k", opts.TopK),
	))
	defer span.End()

	perDataset, err := r.fanOut(ctx, query, opts, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Retrieval fan-out failed", "error", err)
		return nil, err
	}
	result := &Result{Query: query, Records: merge(perDataset, opts.TopK)}
	if opts.UseCache {
		r.cache.Set(key, result)
	}
	span.SetAttributes(attribute.Int("records", len(result.Records)))
	log.Debug("Retrieval completed", "records", len(result.Records))
	return result, nil
}

// fanOut issues one call per dataset. The first failure cancels the rest.
func (r *Repository) fanOut(ctx context.Context, query string, opts RetrieveOptions, ids []string) ([][]dify.Record, error) {
	req := dify.RetrieveRequest{Query: query, TopK: opts.TopK, ScoreThreshold: opts.ScoreThreshold}
	results := make([][]dify.Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			start := time.Now()
			records, err := r.upstream.Retrieve(gctx, id, req)
			RecordUpstreamDuration(ctx, operationRetrieve, time.Since(start))
			if err != nil {
				upstreamErr := asUpstreamError(err)
				RecordUpstreamError(ctx, operationRetrieve, upstreamErr.Status)
				return fmt.Errorf("dataset %s: %w", id, upstreamErr)
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// merge concatenates in dataset order, stable-sorts by descending score and truncates.
func merge(perDataset [][]dify.Record, topK int) []dify.Record {
	total := 0
	for _, records := range perDataset {
		total += len(records)
	}
	merged := make([]dify.Record, 0, total)
	for _, records := range perDataset {
		merged = append(merged, records...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// GetKnowledgeBases lists datasets. Listings are never cached.
func (r *Repository) GetKnowledgeBases(ctx context.Context, keyword string) ([]dify.Dataset, error) {
	start := time.Now()
	datasets, err := r.upstream.ListDatasets(ctx, keyword)
	RecordUpstreamDuration(ctx, operationList, time.Since(start))
	if err != nil {
		upstreamErr := asUpstreamError(err)
		RecordUpstreamError(ctx, operationList, upstreamErr.Status)
		return nil, upstreamErr
	}
	return datasets, nil
}

// Close stops the cache sweeper.
func (r *Repository) Close() {
	r.cache.Close()
}

// CacheKey builds the deterministic key for a retrieval. ids must already be
// normalized so that permutations of the same set share a key.
func CacheKey(query string, topK int, threshold float64, ids []string) string {
	return "retrieve:" + query + ":" + strconv.Itoa(topK) + ":" +
		strconv.FormatFloat(threshold, 'g', -1, 64) + ":" + strings.Join(ids, ",")
}

// normalizeIDs returns a sorted, de-duplicated copy without blank ids.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func asUpstreamError(err error) *dify.UpstreamError {
	var upstreamErr *dify.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr
	}
	return &dify.UpstreamError{
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
		Details: err.Error(),
		Err:     err,
	}
}
