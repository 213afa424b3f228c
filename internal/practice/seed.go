package practice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/prognosis/internal/catalog"
)

// catalogHashKey stores the hash of the last seeded catalog revision.
const catalogHashKey = "catalog_hash"

// EnsureCatalog inserts every predefined case whose key is not yet stored.
// It never deletes or modifies existing cases and is safe to run repeatedly.
func (s *Service) EnsureCatalog(ctx context.Context) (int, error) {
	hash := catalog.Hash()
	stored, err := s.store.GetMetadata(ctx, catalogHashKey)
	if err != nil {
		return 0, fmt.Errorf("get catalog hash: %w", err)
	}
	count, err := s.store.CaseCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("count cases: %w", err)
	}
	if stored == hash && count > 0 {
		slog.Debug("catalog unchanged, skipping seed", "hash", hash[:12])
		return 0, nil
	}

	existing, err := s.store.ListCases(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cases: %w", err)
	}
	keys := make(map[string]bool, len(existing))
	for _, c := range existing {
		if c.Key != "" {
			keys[c.Key] = true
		}
	}

	cases, err := catalog.Load()
	if err != nil {
		return 0, err
	}
	added := 0
	for _, c := range cases {
		if keys[c.Key] {
			continue
		}
		if _, err := s.store.InsertCase(ctx, c); err != nil {
			return added, fmt.Errorf("insert case %s: %w", c.Key, err)
		}
		added++
	}

	if err := s.store.SetMetadata(ctx, catalogHashKey, hash); err != nil {
		return added, fmt.Errorf("set catalog hash: %w", err)
	}
	slog.Info("catalog seeded", "added", added, "total", len(existing)+added)
	return added, nil
}

// ResetResult reports what a reset removed and restored.
type ResetResult struct {
	Deleted  int `json:"deleted"`
	Restored int `json:"restored"`
}

// ResetCases deletes every case, predefined and synthesized, then restores the
// predefined catalog so the next StartCase has cases to assign. Sessions that
// referenced deleted cases are kept and become orphaned.
func (s *Service) ResetCases(ctx context.Context) (ResetResult, error) {
	var res ResetResult
	n, err := s.store.DeleteAllCases(ctx)
	if err != nil {
		return res, fmt.Errorf("delete cases: %w", err)
	}
	res.Deleted = n
	// Cleared first so a failed restore is retried at the next start.
	if err := s.store.SetMetadata(ctx, catalogHashKey, ""); err != nil {
		return res, fmt.Errorf("clear catalog hash: %w", err)
	}
	if s.stats != nil {
		s.stats.Invalidate(ctx)
	}
	res.Restored, err = s.EnsureCatalog(ctx)
	if err != nil {
		return res, fmt.Errorf("restore catalog: %w", err)
	}
	slog.Info("cases reset", "deleted", res.Deleted, "restored", res.Restored)
	return res, nil
}
