package orientdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/record"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

var ridRE = regexp.MustCompile(`^#[0-9]+:[0-9]+$`)

// ridCursor is the graph-document continuation token: the last record id
// returned and the direction it was read in.
type ridCursor struct {
	RID        string `json:"rid"`
	Descending bool   `json:"desc"`
}

func (a *Adapter) decodeCursor(token string, descending bool) (string, error) {
	var c ridCursor
	if err := storage.DecodeToken(token, &c); err != nil {
		return "", storage.InvalidCursor(a.name, err)
	}
	if c.Descending != descending {
		return "", storage.InvalidCursor(a.name, errors.New("continuation token was issued for the opposite sort direction"))
	}
	// the RID is interpolated into the statement
	if !ridRE.MatchString(c.RID) {
		return "", storage.InvalidCursor(a.name, fmt.Errorf("malformed record id %q", c.RID))
	}
	return c.RID, nil
}

// QuoteIdent backtick quotes a property name. Record attributes such as
// @rid and @class are returned as is.
func QuoteIdent(name string) string {
	if strings.HasPrefix(name, "@") {
		return name
	}
	return "`" + name + "`"
}

// translator turns a predicate into an OrientDB SQL condition with named
// parameters :p0, :p1 and so on.
type translator struct {
	binding *schema.Binding
	params  map[string]any
}

func (t *translator) param(v any) string {
	name := "p" + strconv.Itoa(len(t.params))
	t.params[name] = v
	return ":" + name
}

// TranslateFilter renders p as an OrientDB SQL condition. It returns the
// empty string for a nil predicate.
func TranslateFilter(p filter.Predicate, b *schema.Binding) (string, map[string]any, error) {
	t := &translator{binding: b, params: map[string]any{}}
	cond, err := t.translate(p)
	if err != nil {
		return "", nil, err
	}
	return cond, t.params, nil
}

func (t *translator) translate(p filter.Predicate) (string, error) {
	switch c := p.(type) {
	case nil:
		return "", nil
	case *filter.Comparison:
		native, ok := t.binding.NativeName(c.Field)
		if !ok {
			return "", fmt.Errorf("field %q has no property in class %q", c.Field, t.binding.Collection)
		}
		col := QuoteIdent(native)

		switch c.Op {
		case filter.OpEq, filter.OpNe:
			if c.Value.IsNull() {
				if c.Op == filter.OpEq {
					return col + " IS NULL", nil
				}
				return col + " IS NOT NULL", nil
			}
			if c.Op == filter.OpNe {
				// a missing property never satisfies a comparison
				return "(" + col + " IS NOT NULL AND " + col + " <> " + t.param(c.Value.Native()) + ")", nil
			}
			return col + " = " + t.param(c.Value.Native()), nil
		case filter.OpLt, filter.OpLe, filter.OpGt, filter.OpGe:
			return col + " " + string(c.Op) + " " + t.param(c.Value.Native()), nil
		case filter.OpIn, filter.OpNotIn:
			if len(c.Values) == 0 {
				if c.Op == filter.OpIn {
					return "1 = 0", nil
				}
				return col + " IS NOT NULL", nil
			}
			values := make([]any, len(c.Values))
			for i, v := range c.Values {
				values[i] = v.Native()
			}
			in := col + " IN " + t.param(values)
			if c.Op == filter.OpNotIn {
				return "(" + col + " IS NOT NULL AND NOT (" + in + "))", nil
			}
			return in, nil
		}
		return "", fmt.Errorf("unsupported operator %q", c.Op)
	case *filter.And:
		return t.join(c.Terms, " AND ")
	case *filter.Or:
		return t.join(c.Terms, " OR ")
	case *filter.Not:
		return t.translate(filter.Negate(c.Term))
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

func (t *translator) join(terms []filter.Predicate, sep string) (string, error) {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		s, err := t.translate(term)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// Fetch see [storage.Adapter].Fetch. Records are read in @rid order with
// keyset pagination.
func (a *Adapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	ctx, span := a.startTrace(ctx, "Fetch")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, req.Entity)
	if err != nil {
		return nil, err
	}

	cond, params, err := TranslateFilter(req.Filter, binding)
	if err != nil {
		return nil, pqerrors.Wrap(pqerrors.KindUnknownField, err).WithEntity(req.Entity).WithBackend(a.name)
	}

	if req.Cursor != "" {
		if _, err := a.decodeCursor(req.Cursor, req.Descending); err != nil {
			return nil, err
		}
	}

	order, after := "ASC", ">"
	if req.Descending {
		order, after = "DESC", "<"
	}

	batch := func(ctx context.Context, cursor string, limit int) ([]storage.RawRow, string, error) {
		var where []string
		if cond != "" {
			where = append(where, cond)
		}
		if cursor != "" {
			rid, err := a.decodeCursor(cursor, req.Descending)
			if err != nil {
				return nil, "", err
			}
			where = append(where, "@rid "+after+" "+rid)
		}

		sql := "SELECT FROM " + QuoteIdent(binding.Collection)
		if len(where) > 0 {
			sql += " WHERE " + strings.Join(where, " AND ")
		}
		sql += " ORDER BY @rid " + order + " LIMIT " + strconv.Itoa(limit)

		rows, err := a.command(ctx, sql, params)
		if err != nil {
			return nil, "", err
		}
		if len(rows) == 0 {
			return rows, cursor, nil
		}

		rid, _ := rows[len(rows)-1]["@rid"].(string)
		if !ridRE.MatchString(rid) {
			return nil, "", a.internal(fmt.Errorf("result row has no usable @rid: %q", rid))
		}
		next, err := storage.EncodeToken(ridCursor{RID: rid, Descending: req.Descending})
		if err != nil {
			return nil, "", fmt.Errorf("encode continuation token: %w", err)
		}
		return rows, next, nil
	}

	return storage.CollectPage(ctx, a.name, req.PageSize, a.batchSize, req.Cursor, batch)
}

// batchRequest is the body of POST /batch/{db}.
type batchRequest struct {
	Transaction bool             `json:"transaction"`
	Operations  []batchOperation `json:"operations"`
}

type batchOperation struct {
	Type   string         `json:"type"`
	Record map[string]any `json:"record"`
}

// Insert see [storage.Adapter].Insert. All records are created in one
// server side transaction.
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

	ops := make([]batchOperation, 0, len(records))
	for _, rec := range records {
		doc := binding.Denormalize(rec)
		for k := range doc {
			if strings.HasPrefix(k, "@") {
				// assigned by the server
				delete(doc, k)
			}
		}
		doc["@class"] = binding.Collection
		ops = append(ops, batchOperation{Type: "c", Record: doc})
	}

	body, err := json.Marshal(batchRequest{Transaction: true, Operations: ops})
	if err != nil {
		return 0, a.internal(err)
	}
	if _, err := a.do(ctx, http.MethodPost, "/batch/"+url.PathEscape(a.database), body); err != nil {
		return 0, err
	}
	return len(records), nil
}
