package service

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/repository"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/worker"
	"github.com/FACorreiaa/marketplace-ledger/internal/domain/lineitem"
	"github.com/FACorreiaa/marketplace-ledger/pkg/money"
)

// runHooks runs the post-insert side effects. Each hook logs its own
// failure; neither blocks the other nor the job finishing.
func (s *ImportService) runHooks(ctx context.Context, task worker.Task, novel []parser.ParsedTransaction, inserted []repository.InsertedRow) {
	if len(inserted) == 0 {
		return
	}
	s.categorize(ctx, task, inserted)
	s.materializeItems(ctx, task, novel, inserted)
}

func (s *ImportService) categorize(ctx context.Context, task worker.Task, inserted []repository.InsertedRow) {
	if s.categorizer == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "hook.categorize", trace.WithAttributes(
		attribute.String("job_id", task.JobID.String()),
		attribute.Int("size", len(inserted)),
	))
	defer span.End()

	ids := make([]uuid.UUID, len(inserted))
	for i, row := range inserted {
		ids[i] = row.ID
	}

	n, err := s.categorizer.CategorizeTransactions(ctx, task.TenantID, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "categorization failed")
		s.logger.WarnContext(ctx, "auto-categorization failed",
			"job_id", task.JobID,
			"tenant_id", task.TenantID,
			"error", err,
		)
		return
	}
	s.logger.DebugContext(ctx, "auto-categorization done", "job_id", task.JobID, "categorized", n)
}

func (s *ImportService) materializeItems(ctx context.Context, task worker.Task, novel []parser.ParsedTransaction, inserted []repository.InsertedRow) {
	if s.items == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "hook.line_items", trace.WithAttributes(
		attribute.String("job_id", task.JobID.String()),
	))
	defer span.End()

	byRef := make(map[string]*parser.ParsedTransaction, len(novel))
	for i := range novel {
		if len(novel[i].Items) > 0 {
			byRef[novel[i].ExternalReference] = &novel[i]
		}
	}
	if len(byRef) == 0 {
		return
	}

	var items []lineitem.Item
	var skus []string
	for _, row := range inserted {
		tx, ok := byRef[row.ExternalReference]
		if !ok {
			continue
		}
		for _, it := range tx.Items {
			items = append(items, lineitem.Item{
				TransactionID:  row.ID,
				SKU:            it.SKU,
				Description:    it.Description,
				Quantity:       it.Quantity,
				UnitPriceCents: money.Cents(it.UnitPrice, s.currency),
			})
			skus = append(skus, it.SKU)
		}
	}
	if len(items) == 0 {
		return
	}

	products := NewProductCache(s.items, task.TenantID, task.Channel.String())
	mapped, err := products.Resolve(ctx, skus)
	if err != nil {
		// Items are still stored, just without a catalog link.
		s.logger.WarnContext(ctx, "product mapping lookup failed",
			"job_id", task.JobID,
			"error", err,
		)
	}
	for i := range items {
		if id, ok := mapped[items[i].SKU]; ok {
			items[i].ProductID = &id
		}
	}

	n, err := s.items.CreateBatch(ctx, items, task.TenantID, task.Channel.String())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "line items failed")
		s.logger.WarnContext(ctx, "line item materialization failed",
			"job_id", task.JobID,
			"tenant_id", task.TenantID,
			"items", len(items),
			"error", err,
		)
		return
	}
	span.SetAttributes(attribute.Int("items", n))
	s.logger.DebugContext(ctx, "line items stored", "job_id", task.JobID, "items", n)
}
