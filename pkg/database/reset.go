package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/product-os/autumndb/pkg/autumndberrors"
)

// Truncate empties the contracts table (spec §12 "reset()" — test/dev
// convenience). Callers gate this behind AllowDestructiveOps; this
// method itself performs no such check.
func (b *Backend) Truncate(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", pq.QuoteIdentifier(b.table))); err != nil {
		return autumndberrors.FromBackendError(err, "database: truncate")
	}
	return nil
}

// Drop removes the contracts table entirely (spec §12 "drop()"). Callers
// gate this behind AllowDestructiveOps; this method itself performs no
// such check.
func (b *Backend) Drop(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(b.table))); err != nil {
		return autumndberrors.FromBackendError(err, "database: drop")
	}
	return nil
}
