package dedup

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/parser"
)

// DefaultLookupChunkSize bounds the references sent in one storage query.
const DefaultLookupChunkSize = 200

// ReferenceLookup finds which external references are already stored.
type ReferenceLookup interface {
	FindExistingReferences(ctx context.Context, tenantID uuid.UUID, channel string, refs []string) ([]string, error)
}

// DuplicateSet holds the references seen in the current batch and those
// found in storage for the tenant and channel.
type DuplicateSet struct {
	seen   map[string]int
	stored map[string]struct{}
}

func newDuplicateSet(size int) *DuplicateSet {
	return &DuplicateSet{
		seen:   make(map[string]int, size),
		stored: make(map[string]struct{}),
	}
}

// observe records ref at index i and reports whether it was already seen in the batch.
func (s *DuplicateSet) observe(ref string, i int) bool {
	if _, ok := s.seen[ref]; ok {
		return true
	}
	s.seen[ref] = i
	return false
}

// Stored reports whether ref was found in storage.
func (s *DuplicateSet) Stored(ref string) bool {
	_, ok := s.stored[ref]
	return ok
}

// Contains reports whether ref was seen in the batch or in storage.
func (s *DuplicateSet) Contains(ref string) bool {
	_, seen := s.seen[ref]
	return seen || s.Stored(ref)
}

// Result is the novel/duplicate partition of a batch.
type Result struct {
	Novel             []parser.ParsedTransaction
	InBatchDuplicates int
	StoredDuplicates  int
	FailedLookups     int
	Set               *DuplicateSet
}

// Duplicates is the total number of transactions excluded from insertion.
func (r *Result) Duplicates() int {
	return r.InBatchDuplicates + r.StoredDuplicates
}

// Resolver partitions transactions into novel and duplicate.
type Resolver struct {
	lookup    ReferenceLookup
	chunkSize int
	logger    *slog.Logger
}

// NewResolver creates a resolver. chunkSize <= 0 uses DefaultLookupChunkSize.
func NewResolver(lookup ReferenceLookup, chunkSize int, logger *slog.Logger) *Resolver {
	if chunkSize <= 0 {
		chunkSize = DefaultLookupChunkSize
	}
	return &Resolver{lookup: lookup, chunkSize: chunkSize, logger: logger}
}

// Resolve assigns missing external references, then drops repeats within
// the batch (first occurrence wins) and references already stored for
// tenant and channel. A failed lookup chunk is logged and its references
// are treated as not found; the storage uniqueness constraint catches
// anything that slips through.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, channel parser.Channel, txs []parser.ParsedTransaction) (*Result, error) {
	Assign(txs)

	set := newDuplicateSet(len(txs))
	res := &Result{Set: set}

	firsts := make([]int, 0, len(txs))
	distinct := make([]string, 0, len(txs))
	for i, tx := range txs {
		if set.observe(tx.ExternalReference, i) {
			res.InBatchDuplicates++
			continue
		}
		firsts = append(firsts, i)
		distinct = append(distinct, tx.ExternalReference)
	}

	for start := 0; start < len(distinct); start += r.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+r.chunkSize, len(distinct))
		found, err := r.lookup.FindExistingReferences(ctx, tenantID, string(channel), distinct[start:end])
		if err != nil {
			res.FailedLookups++
			r.logger.WarnContext(ctx, "duplicate lookup failed, treating chunk as not found",
				"tenant_id", tenantID,
				"channel", channel,
				"chunk_start", start,
				"chunk_size", end-start,
				"error", err,
			)
			continue
		}
		for _, ref := range found {
			set.stored[ref] = struct{}{}
		}
	}

	res.Novel = make([]parser.ParsedTransaction, 0, len(firsts))
	for _, i := range firsts {
		if set.Stored(txs[i].ExternalReference) {
			res.StoredDuplicates++
			continue
		}
		res.Novel = append(res.Novel, txs[i])
	}

	return res, nil
}
