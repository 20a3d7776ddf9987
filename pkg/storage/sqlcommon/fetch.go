package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/storage"
)

// keysetCursor is the relational continuation token: the last primary key
// returned and the direction it was read in.
type keysetCursor struct {
	Key        any  `json:"k"`
	Descending bool `json:"desc"`
}

func (a *Adapter) decodeCursor(token string, descending bool) (any, error) {
	var c keysetCursor
	if err := storage.DecodeToken(token, &c); err != nil {
		return nil, storage.InvalidCursor(a.name, err)
	}
	if c.Descending != descending {
		return nil, storage.InvalidCursor(a.name, errors.New("continuation token was issued for the opposite sort direction"))
	}
	if c.Key == nil {
		return nil, storage.InvalidCursor(a.name, errors.New("continuation token has no key"))
	}
	if n, ok := c.Key.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, storage.InvalidCursor(a.name, err)
		}
		return f, nil
	}
	return c.Key, nil
}

// Fetch see [storage.Adapter].Fetch. Rows are read in primary key order
// with keyset pagination, so rows inserted between pages are never returned
// twice and never shift later pages.
func (a *Adapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	ctx, span := a.startTrace(ctx, "Fetch")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, req.Entity)
	if err != nil {
		return nil, err
	}

	quote := a.dbInfo.dialect.QuoteIdent
	where, err := TranslateFilter(req.Filter, binding, quote)
	if err != nil {
		return nil, pqerrors.Wrap(pqerrors.KindUnknownField, err).WithEntity(req.Entity).WithBackend(a.name)
	}

	nativeKey := binding.NativeKey()
	keyCol := quote(nativeKey)
	order := keyCol + " ASC"
	if req.Descending {
		order = keyCol + " DESC"
	}

	if req.Cursor != "" {
		if _, err := a.decodeCursor(req.Cursor, req.Descending); err != nil {
			return nil, err
		}
	}

	batch := func(ctx context.Context, cursor string, limit int) ([]storage.RawRow, string, error) {
		sb := a.dbInfo.stbl.
			Select("*").
			From(quote(binding.Collection)).
			OrderBy(order).
			Limit(uint64(limit))
		if where != nil {
			sb = sb.Where(where)
		}
		if cursor != "" {
			from, err := a.decodeCursor(cursor, req.Descending)
			if err != nil {
				return nil, "", err
			}
			sb = AddFromKey(sb, keyCol, from, req.Descending)
		}

		rows, err := a.query(ctx, sb)
		if err != nil {
			return nil, "", err
		}
		if len(rows) == 0 {
			return rows, cursor, nil
		}

		next, err := storage.EncodeToken(keysetCursor{Key: rows[len(rows)-1][nativeKey], Descending: req.Descending})
		if err != nil {
			return nil, "", fmt.Errorf("encode continuation token: %w", err)
		}
		return rows, next, nil
	}

	return storage.CollectPage(ctx, a.name, req.PageSize, a.batchSize, req.Cursor, batch)
}

func (a *Adapter) query(ctx context.Context, sb sq.SelectBuilder) ([]storage.RawRow, error) {
	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, a.dbInfo.HandleSQLError(a.name, err)
	}
	defer rows.Close()

	out, err := ScanRows(rows)
	if err != nil {
		return nil, a.dbInfo.HandleSQLError(a.name, err)
	}
	return out, nil
}

// ScanRows reads every remaining row into a map keyed by column name.
// Byte slices are returned as strings.
func ScanRows(rows *sql.Rows) ([]storage.RawRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []storage.RawRow
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(storage.RawRow, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Insert see [storage.Adapter].Insert. All records are written in one
// transaction.
func (a *Adapter) Insert(ctx context.Context, entity string, records []*record.Record) (int, error) {
	ctx, span := a.startTrace(ctx, "Insert")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, entity)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := a.dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, a.dbInfo.HandleSQLError(a.name, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	quote := a.dbInfo.dialect.QuoteIdent
	for _, rec := range records {
		native := binding.Denormalize(rec)
		cols := make([]string, 0, len(native))
		for c := range native {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		quoted := make([]string, len(cols))
		values := make([]any, len(cols))
		for i, c := range cols {
			quoted[i] = quote(c)
			values[i] = native[c]
		}

		_, err := a.dbInfo.stbl.
			Insert(quote(binding.Collection)).
			Columns(quoted...).
			Values(values...).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return 0, a.dbInfo.HandleSQLError(a.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, a.dbInfo.HandleSQLError(a.name, err)
	}
	return len(records), nil
}
