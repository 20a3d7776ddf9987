package storage

import (
	"context"
)

// BatchFunc reads at most limit native rows positioned after cursor (from
// the beginning when cursor is empty). It returns the rows and the cursor
// positioned after the last of them.
type BatchFunc func(ctx context.Context, cursor string, limit int) (rows []RawRow, next string, err error)

// CollectPage fills a page of pageSize rows from native batches of at most
// batchSize rows. Cancellation is checked before every native call: once the
// signal is observed no further call is issued and a Cancelled error is
// returned instead of the rows gathered so far.
func CollectPage(ctx context.Context, backend string, pageSize, batchSize int, cursor string, fetch BatchFunc) (*RawPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	page := &RawPage{Rows: make([]RawRow, 0, pageSize)}
	for len(page.Rows) < pageSize {
		if err := ContextError(ctx, backend); err != nil {
			return nil, err
		}

		limit := min(batchSize, pageSize-len(page.Rows))
		rows, next, err := fetch(ctx, cursor, limit)
		if err != nil {
			if IsContextError(err) {
				return nil, Cancelled(backend, err)
			}
			return nil, err
		}
		page.Rows = append(page.Rows, rows...)
		if len(rows) < limit {
			// exhausted
			return page, nil
		}
		cursor = next
	}

	page.Next = cursor
	return page, nil
}
