package kotadb

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/types"
)

// SearchResult is one ranked hit with its materialized document.
type SearchResult struct {
	Document *types.Document
	Score    float64
	Preview  string
}

// Query routes.
const (
	routeListAll  = "list_all"
	routeGlob     = "glob_scan"
	routePath     = "path_lookup"
	routeFullText = "fulltext"
)

// Search dispatches a text query to the right index and hydrates the hits:
//
//   - "*" or an empty query lists everything, paged by creation order.
//   - A query with a "*" or "?" glob runs a prefix scan on the primary index.
//   - A path-shaped query (starts with "/") is a primary lookup, falling
//     back to a prefix scan.
//   - Anything else is a trigram search hydrated through storage.
//
// Every routing decision is logged so result sets are explainable later.
func (db *DB) Search(ctx context.Context, query string, limit, offset int) ([]SearchResult, error) {
	const op = "search"

	if err := db.checkOpen(); err != nil {
		return nil, kerr.Wrap(op, err)
	}

	if limit < 0 || offset < 0 {
		return nil, kerr.Invalid(op, "negative offset or limit")
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	q := strings.TrimSpace(query)

	route := classify(q)
	db.log.Debug("query routed",
		zap.String("query", q),
		zap.String("route", route))

	switch route {
	case routeListAll:
		return db.searchListAll(ctx, limit, offset)
	case routeGlob:
		return db.searchGlob(ctx, q, limit, offset)
	case routePath:
		return db.searchPath(ctx, q, limit, offset)
	default:
		return db.searchFullText(ctx, q, limit, offset)
	}
}

// classify picks the route for a trimmed query.
func classify(q string) string {
	switch {
	case q == "" || q == "*":
		return routeListAll
	case strings.ContainsAny(q, "*?"):
		return routeGlob
	case strings.HasPrefix(q, "/"):
		return routePath
	default:
		return routeFullText
	}
}

// searchListAll serves the wildcard contract: all documents, paged by
// creation order. This is also where the empty query lands, resolving the
// "does an empty search match everything" ambiguity in one documented
// place: it does, and the trigram index itself never sees it.
func (db *DB) searchListAll(ctx context.Context, limit, offset int) ([]SearchResult, error) {
	docs, err := db.storage.List(ctx, offset, limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, SearchResult{Document: doc, Score: 1.0})
	}

	return results, nil
}

// searchGlob prefix-scans the primary index up to the first wildcard.
func (db *DB) searchGlob(ctx context.Context, q string, limit, offset int) ([]SearchResult, error) {
	prefix := q
	if i := strings.IndexAny(q, "*?"); i >= 0 {
		prefix = q[:i]
	}

	pairs := db.primary.Scan(prefix, 0)

	if offset >= len(pairs) {
		return nil, nil
	}

	pairs = pairs[offset:]
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}

	results := make([]SearchResult, 0, len(pairs))

	for _, pair := range pairs {
		doc, err := db.storage.Get(ctx, pair.ID)
		if err != nil || doc == nil {
			continue
		}

		results = append(results, SearchResult{Document: doc, Score: 1.0})
	}

	return results, nil
}

// searchPath resolves an exact path, falling back to a prefix scan so
// directory-style queries like "/notes/" list their subtree.
func (db *DB) searchPath(ctx context.Context, q string, limit, offset int) ([]SearchResult, error) {
	if path, err := types.ParsePath(q); err == nil {
		if id, ok := db.primary.Get(path); ok {
			doc, getErr := db.storage.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}

			if doc != nil && offset == 0 {
				return []SearchResult{{Document: doc, Score: 1.0}}, nil
			}

			return nil, nil
		}
	}

	return db.searchGlob(ctx, q, limit, offset)
}

// searchFullText runs the trigram search and hydrates hits via storage.
// Hits whose documents vanished between index and storage reads are
// dropped; each storage read returns a whole committed version, but the
// index and storage reads are not taken at one instant.
func (db *DB) searchFullText(ctx context.Context, q string, limit, offset int) ([]SearchResult, error) {
	fetch := 0
	if limit > 0 {
		fetch = limit + offset
	}

	hits := db.fulltext.Search(q, fetch)

	if offset >= len(hits) {
		return nil, nil
	}

	hits = hits[offset:]

	results := make([]SearchResult, 0, len(hits))

	for _, hit := range hits {
		doc, err := db.storage.Get(ctx, hit.ID)
		if err != nil || doc == nil {
			continue
		}

		results = append(results, SearchResult{
			Document: doc,
			Score:    hit.Score,
			Preview:  hit.Preview,
		})
	}

	return results, nil
}
