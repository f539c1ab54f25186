package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/pkg/catalogue"
	"github.com/ctxmemory/gateway/pkg/idempotency"
	"github.com/ctxmemory/gateway/pkg/memory"
	"github.com/ctxmemory/gateway/pkg/proxy"
	"github.com/ctxmemory/gateway/pkg/queue"
	"github.com/ctxmemory/gateway/pkg/usage"
)

// Built-in job type names. registerBuiltinJobs binds them in Run, before the
// mode switch; only the worker process (runWorker) schedules them and runs
// the queue consumer that drains them.
const (
	jobCatalogueSync     = "catalogue_sync"
	jobEmbeddingBatch    = "embedding_batch"
	jobCleanup           = "cleanup"
	jobUsageAggregation  = "usage_aggregation"
	jobIdempotencySweep  = "idempotency_sweep"
	embeddingBatchSize   = 50
	cleanupMaxAge        = 30 * 24 * time.Hour
)

// registerBuiltinJobs binds the five built-in background jobs from spec
// §4.12 to the registry, in the teacher's explicit
// register_job(name, handler, queue, timeout) style rather than decorator
// scheduling.
func registerBuiltinJobs(reg *queue.Registry, syncer *catalogue.Syncer, memStore *memory.Store, ledger *usage.Ledger, idemStore *idempotency.Store, proxyClient *proxy.Client, resolver *catalogue.Resolver, globals func() catalogue.GlobalDefaults, logger *slog.Logger) {
	reg.Register(jobCatalogueSync, func(ctx context.Context, _ json.RawMessage) error {
		return syncer.Run(ctx)
	}, queue.LaneSync, 60*time.Second)

	reg.Register(jobEmbeddingBatch, func(ctx context.Context, _ json.RawMessage) error {
		return runEmbeddingBatch(ctx, memStore, proxyClient, resolver, globals, logger)
	}, queue.LaneEmbeddings, 2*time.Minute)

	reg.Register(jobCleanup, func(ctx context.Context, _ json.RawMessage) error {
		purged, err := memStore.PurgeAged(ctx, cleanupMaxAge)
		if err != nil {
			return err
		}
		archived, err := ledger.Archive(ctx)
		if err != nil {
			return err
		}
		logger.Info("cleanup job complete", "items_purged", purged, "ledger_rows_archived", archived)
		return nil
	}, queue.LaneCleanup, 2*time.Minute)

	reg.Register(jobUsageAggregation, func(ctx context.Context, _ json.RawMessage) error {
		rows, err := ledger.Aggregate(ctx)
		if err != nil {
			return err
		}
		logger.Info("usage aggregation complete", "rows", rows)
		return nil
	}, queue.LaneAnalytics, time.Minute)

	reg.Register(jobIdempotencySweep, func(ctx context.Context, _ json.RawMessage) error {
		rows, err := idemStore.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Info("idempotency sweep complete", "rows", rows)
		return nil
	}, queue.LaneCleanup, time.Minute)
}

// runEmbeddingBatch fetches up to embeddingBatchSize items with no stored
// vector, generates embeddings for them upstream, and persists the vectors.
// Items already embedded are skipped by ItemsMissingEmbedding's query.
func runEmbeddingBatch(ctx context.Context, memStore *memory.Store, proxyClient *proxy.Client, resolver *catalogue.Resolver, globals func() catalogue.GlobalDefaults, logger *slog.Logger) error {
	items, err := memStore.ItemsMissingEmbedding(ctx, embeddingBatchSize)
	if err != nil {
		return fmt.Errorf("listing items missing embeddings: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	systemIdentity := &auth.Identity{Workspace: "system"}
	entry, err := resolver.Resolve(ctx, "", systemIdentity, catalogue.PurposeEmbedding, globals())
	if err != nil {
		return fmt.Errorf("resolving embedding model: %w", err)
	}

	for _, item := range items {
		body, err := json.Marshal(map[string]any{
			"model": entry.ModelID,
			"input": item.Title + "\n" + item.Body,
		})
		if err != nil {
			return err
		}
		result, err := proxyClient.Unary(ctx, "/embeddings", body, nil, entry.ModelID)
		if err != nil {
			logger.Error("embedding batch: upstream call failed", "item_id", item.ID, "error", err)
			continue
		}
		vec, err := extractEmbeddingVector(result.Body)
		if err != nil {
			logger.Error("embedding batch: decoding response failed", "item_id", item.ID, "error", err)
			continue
		}
		if err := memStore.SetEmbedding(ctx, item.ID, item.Kind, vec); err != nil {
			logger.Error("embedding batch: storing vector failed", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

func extractEmbeddingVector(body []byte) ([]float32, error) {
	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings response carried no data")
	}
	return parsed.Data[0].Embedding, nil
}
