package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/schema"
	"github.com/polyquery/polyquery/pkg/storage"
)

// idCursor is the document continuation token: the last _id returned, as
// canonical extended JSON so that its BSON type survives, and the
// direction it was read in.
type idCursor struct {
	ID         string `json:"id"`
	Descending bool   `json:"desc"`
}

func encodeCursor(id any, descending bool) (string, error) {
	ext, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: id}}, true, false)
	if err != nil {
		return "", err
	}
	return storage.EncodeToken(idCursor{ID: string(ext), Descending: descending})
}

func (a *Adapter) decodeCursor(token string, descending bool) (any, error) {
	var c idCursor
	if err := storage.DecodeToken(token, &c); err != nil {
		return nil, storage.InvalidCursor(a.name, err)
	}
	if c.Descending != descending {
		return nil, storage.InvalidCursor(a.name, errors.New("continuation token was issued for the opposite sort direction"))
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(c.ID), true, &doc); err != nil {
		return nil, storage.InvalidCursor(a.name, err)
	}
	if len(doc) != 1 || doc[0].Key != "v" || doc[0].Value == nil {
		return nil, storage.InvalidCursor(a.name, errors.New("continuation token has no key"))
	}
	return doc[0].Value, nil
}

// TranslateFilter renders p as a query document. Comparisons never match
// documents where the field is missing or null, except an explicit
// equality with null.
func TranslateFilter(p filter.Predicate, b *schema.Binding) (bson.D, error) {
	switch c := p.(type) {
	case nil:
		return bson.D{}, nil
	case *filter.Comparison:
		native, ok := b.NativeName(c.Field)
		if !ok {
			return nil, fmt.Errorf("field %q has no property in collection %q", c.Field, b.Collection)
		}
		v := c.Value.Native()

		var cond bson.D
		switch c.Op {
		case filter.OpEq:
			cond = bson.D{{Key: "$eq", Value: v}}
		case filter.OpNe:
			if v == nil {
				cond = bson.D{{Key: "$ne", Value: nil}}
			} else {
				cond = bson.D{{Key: "$exists", Value: true}, {Key: "$nin", Value: bson.A{v, nil}}}
			}
		case filter.OpLt:
			cond = bson.D{{Key: "$lt", Value: v}}
		case filter.OpLe:
			cond = bson.D{{Key: "$lte", Value: v}}
		case filter.OpGt:
			cond = bson.D{{Key: "$gt", Value: v}}
		case filter.OpGe:
			cond = bson.D{{Key: "$gte", Value: v}}
		case filter.OpIn:
			cond = bson.D{{Key: "$in", Value: natives(c)}}
		case filter.OpNotIn:
			cond = bson.D{{Key: "$exists", Value: true}, {Key: "$nin", Value: append(natives(c), nil)}}
		default:
			return nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
		return bson.D{{Key: native, Value: cond}}, nil
	case *filter.And:
		terms, err := translateAll(c.Terms, b)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$and", Value: terms}}, nil
	case *filter.Or:
		terms, err := translateAll(c.Terms, b)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$or", Value: terms}}, nil
	case *filter.Not:
		return TranslateFilter(filter.Negate(c.Term), b)
	}
	return nil, fmt.Errorf("unsupported predicate %T", p)
}

func translateAll(terms []filter.Predicate, b *schema.Binding) (bson.A, error) {
	out := make(bson.A, 0, len(terms))
	for _, term := range terms {
		d, err := TranslateFilter(term, b)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func natives(c *filter.Comparison) bson.A {
	out := make(bson.A, len(c.Values))
	for i, v := range c.Values {
		out[i] = v.Native()
	}
	return out
}

// Fetch see [storage.Adapter].Fetch. Documents are read in _id order with
// keyset pagination.
func (a *Adapter) Fetch(ctx context.Context, req storage.FetchRequest) (*storage.RawPage, error) {
	ctx, span := a.startTrace(ctx, "Fetch")
	defer span.End()

	binding, err := a.bindings.Lookup(a.name, req.Entity)
	if err != nil {
		return nil, err
	}

	query, err := TranslateFilter(req.Filter, binding)
	if err != nil {
		return nil, pqerrors.Wrap(pqerrors.KindUnknownField, err).WithEntity(req.Entity).WithBackend(a.name)
	}

	if req.Cursor != "" {
		if _, err := a.decodeCursor(req.Cursor, req.Descending); err != nil {
			return nil, err
		}
	}

	sort, after := 1, "$gt"
	if req.Descending {
		sort, after = -1, "$lt"
	}
	coll := a.db.Collection(binding.Collection)

	batch := func(ctx context.Context, cursor string, limit int) ([]storage.RawRow, string, error) {
		q := query
		if cursor != "" {
			from, err := a.decodeCursor(cursor, req.Descending)
			if err != nil {
				return nil, "", err
			}
			q = bson.D{{Key: "$and", Value: bson.A{query, bson.D{{Key: "_id", Value: bson.D{{Key: after, Value: from}}}}}}}
		}

		opts := options.Find().
			SetSort(bson.D{{Key: "_id", Value: sort}}).
			SetLimit(int64(limit)).
			SetBatchSize(int32(limit))
		cur, err := coll.Find(ctx, q, opts)
		if err != nil {
			return nil, "", HandleError(a.name, err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, "", HandleError(a.name, err)
		}
		if len(docs) == 0 {
			return nil, cursor, nil
		}

		next, err := encodeCursor(docs[len(docs)-1]["_id"], req.Descending)
		if err != nil {
			return nil, "", fmt.Errorf("encode continuation token: %w", err)
		}

		rows := make([]storage.RawRow, len(docs))
		for i, d := range docs {
			rows[i] = toRow(d)
		}
		return rows, next, nil
	}

	return storage.CollectPage(ctx, a.name, req.PageSize, a.batchSize, req.Cursor, batch)
}

// toRow converts driver types into plain Go values the normalizer
// understands.
func toRow(doc bson.M) storage.RawRow {
	row := make(storage.RawRow, len(doc))
	for k, v := range doc {
		row[k] = plain(v)
	}
	return row
}

func plain(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano)
	case primitive.Timestamp:
		return int64(x.T)
	case primitive.Decimal128:
		return x.String()
	case primitive.Binary:
		return x.Data
	case bson.M:
		return map[string]any(toRow(x))
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	}
	return v
}
