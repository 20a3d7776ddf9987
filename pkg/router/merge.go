package router

import (
	"github.com/polyquery/polyquery/pkg/record"
)

// mirror is what another source of a mirrored entity holds for the keys of
// the page being merged.
type mirror struct {
	backend string
	records map[string]*record.Record
}

func newMirror(backend, naturalKey string, records []*record.Record) mirror {
	m := mirror{backend: backend, records: make(map[string]*record.Record, len(records))}
	for _, rec := range records {
		if key, ok := mergeKey(rec, naturalKey); ok {
			m.records[key] = rec
		}
	}
	return m
}

// merge reconciles one page of backend with the sources registered before
// and after it. A record whose key an earlier source holds was returned
// with that source's pages and is dropped. The last registered source
// holding a key supplies the record. Records with a null key are never
// merged. The returned origins name the source each record came from.
func merge(naturalKey, backend string, page []*record.Record, earlier, later []mirror) ([]*record.Record, []string) {
	out := make([]*record.Record, 0, len(page))
	origins := make([]string, 0, len(page))
	seen := map[string]struct{}{}

next:
	for _, rec := range page {
		key, ok := mergeKey(rec, naturalKey)
		if !ok {
			out = append(out, rec)
			origins = append(origins, backend)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		for _, m := range earlier {
			if _, held := m.records[key]; held {
				continue next
			}
		}

		winner, origin := rec, backend
		for _, m := range later {
			if other, held := m.records[key]; held {
				winner, origin = other, m.backend
			}
		}
		out = append(out, winner)
		origins = append(origins, origin)
	}
	return out, origins
}

func mergeKey(rec *record.Record, naturalKey string) (string, bool) {
	v, ok := rec.Get(naturalKey)
	if !ok || v.IsNull() {
		return "", false
	}
	return v.Kind().String() + ":" + v.String(), true
}

func mergeKeys(naturalKey string, page []*record.Record) []record.Value {
	var keys []record.Value
	seen := map[string]struct{}{}
	for _, rec := range page {
		key, ok := mergeKey(rec, naturalKey)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		v, _ := rec.Get(naturalKey)
		keys = append(keys, v)
	}
	return keys
}
