package objstore

import (
	"context"
	"errors"
	"fmt"
)

// CopyStats summarises a Copy run.
type CopyStats struct {
	Copied  int
	Skipped int
}

// Copy replicates every object under the given prefixes from src to dst.
// Objects that disappear between listing and reading are skipped.
func Copy(ctx context.Context, src, dst Store, prefixes ...string) (CopyStats, error) {
	var stats CopyStats
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	for _, prefix := range prefixes {
		for info, err := range src.List(ctx, prefix) {
			if err != nil {
				return stats, fmt.Errorf("list %q: %w", prefix, err)
			}
			body, err := src.Get(ctx, info.Key)
			if errors.Is(err, ErrNotFound) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return stats, fmt.Errorf("read %s: %w", info.Key, err)
			}
			if err := dst.Put(ctx, info.Key, body); err != nil {
				return stats, fmt.Errorf("write %s: %w", info.Key, err)
			}
			stats.Copied++
		}
	}
	return stats, nil
}
