package trigram

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Default score thresholds. Short queries carry little signal, so they must
// match nearly perfectly; longer queries may match more loosely.
const (
	DefaultShortThreshold = 0.80
	DefaultLongThreshold  = 0.60

	// shortQueryChars is the query length at or below which the short
	// threshold applies.
	shortQueryChars = 6

	// previewBytes caps the context window returned with each hit.
	previewBytes = 160

	numBuckets = 64
	numStripes = 64
)

// Options tune the index.
type Options struct {
	// ShortThreshold is the minimum score for queries of at most 6 chars.
	ShortThreshold float64

	// LongThreshold is the minimum score for longer queries.
	LongThreshold float64
}

// Hit is one ranked search result.
type Hit struct {
	ID      types.DocumentID
	Score   float64
	Preview string
}

// bucket shards the forward map by trigram hash, so concurrent writers on
// different trigram ranges do not serialize.
type bucket struct {
	mu    sync.RWMutex
	posts map[string]*roaring.Bitmap
}

// Index is the in-memory trigram index.
//
// The forward map (trigram → posting bitmap) answers searches; the reverse
// map (document → trigram set) makes delete and update proportional to the
// document's own trigrams and is the authority for rollback. Both
// directions for any one document are maintained under that document's
// stripe lock, so readers never observe one side updated without the other.
type Index struct {
	opts    Options
	buckets [numBuckets]*bucket

	// stripes serialize per-document map maintenance.
	stripes [numStripes]sync.Mutex

	// mu guards the ordinal assignment and the reverse/text maps.
	mu       sync.RWMutex
	ordinals map[types.DocumentID]uint32
	docIDs   []types.DocumentID // ordinal → id
	reverse  map[uint32]map[string]struct{}
	texts    map[uint32]string // normalized text, for previews
	stamp    uint64
}

// NewIndex creates an empty index. Zero threshold options take defaults.
func NewIndex(opts Options) *Index {
	if opts.ShortThreshold == 0 {
		opts.ShortThreshold = DefaultShortThreshold
	}

	if opts.LongThreshold == 0 {
		opts.LongThreshold = DefaultLongThreshold
	}

	idx := &Index{
		opts:     opts,
		ordinals: make(map[types.DocumentID]uint32),
		reverse:  make(map[uint32]map[string]struct{}),
		texts:    make(map[uint32]string),
	}

	for i := range idx.buckets {
		idx.buckets[i] = &bucket{posts: make(map[string]*roaring.Bitmap)}
	}

	return idx
}

func (idx *Index) bucketFor(gram string) *bucket {
	return idx.buckets[xxhash.Sum64String(gram)%numBuckets]
}

// InsertWithContent indexes text under id. A document must be indexed with
// its content; an empty text is a wiring mistake (silent no-op indexing)
// and is refused with a configuration error.
func (idx *Index) InsertWithContent(id types.DocumentID, text string) error {
	const op = "trigram insert"

	if id.IsZero() {
		return kerr.Invalid(op, "nil document id")
	}

	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s %s: %w: content-less insert", op, id, kerr.ErrConfig)
	}

	ord, existed := idx.ordinal(id, true)

	idx.stripes[ord%numStripes].Lock()
	defer idx.stripes[ord%numStripes].Unlock()

	if existed {
		idx.mu.RLock()
		_, live := idx.reverse[ord]
		idx.mu.RUnlock()

		if live {
			return fmt.Errorf("%s %s: %w", op, id, kerr.ErrAlreadyExists)
		}
	}

	idx.apply(ord, tokenize(text), normalize(text))

	return nil
}

// UpdateWithContent reindexes id with new text, fixing up both map
// directions by diffing against the reverse entry.
func (idx *Index) UpdateWithContent(id types.DocumentID, text string) error {
	const op = "trigram update"

	if id.IsZero() {
		return kerr.Invalid(op, "nil document id")
	}

	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s %s: %w: content-less update", op, id, kerr.ErrConfig)
	}

	ord, existed := idx.ordinal(id, false)
	if !existed {
		return fmt.Errorf("%s %s: %w", op, id, kerr.ErrNotFound)
	}

	idx.stripes[ord%numStripes].Lock()
	defer idx.stripes[ord%numStripes].Unlock()

	idx.remove(ord)
	idx.apply(ord, tokenize(text), normalize(text))

	return nil
}

// Delete unindexes id. Returns false when the id was not indexed; a second
// delete is a no-op.
func (idx *Index) Delete(id types.DocumentID) bool {
	ord, existed := idx.ordinal(id, false)
	if !existed {
		return false
	}

	idx.stripes[ord%numStripes].Lock()
	defer idx.stripes[ord%numStripes].Unlock()

	idx.mu.RLock()
	_, live := idx.reverse[ord]
	idx.mu.RUnlock()

	if !live {
		return false
	}

	idx.remove(ord)

	return true
}

// apply installs grams/text for ord in both directions.
// Caller holds the stripe lock.
func (idx *Index) apply(ord uint32, grams map[string]struct{}, text string) {
	for gram := range grams {
		b := idx.bucketFor(gram)

		b.mu.Lock()
		posting, ok := b.posts[gram]
		if !ok {
			posting = roaring.New()
			b.posts[gram] = posting
		}
		posting.Add(ord)
		b.mu.Unlock()
	}

	idx.mu.Lock()
	idx.reverse[ord] = grams
	idx.texts[ord] = text
	idx.mu.Unlock()
}

// remove strips ord from both directions using the reverse entry.
// Caller holds the stripe lock.
func (idx *Index) remove(ord uint32) {
	idx.mu.RLock()
	grams := idx.reverse[ord]
	idx.mu.RUnlock()

	for gram := range grams {
		b := idx.bucketFor(gram)

		b.mu.Lock()
		if posting, ok := b.posts[gram]; ok {
			posting.Remove(ord)

			if posting.IsEmpty() {
				delete(b.posts, gram)
			}
		}
		b.mu.Unlock()
	}

	idx.mu.Lock()
	delete(idx.reverse, ord)
	delete(idx.texts, ord)
	idx.mu.Unlock()
}

// ordinal resolves (or assigns, when create is set) the bitmap ordinal for
// id. Ordinals are never reused; a deleted document's slot stays retired.
func (idx *Index) ordinal(id types.DocumentID, create bool) (uint32, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ord, ok := idx.ordinals[id]
	if ok {
		return ord, true
	}

	if !create {
		return 0, false
	}

	ord = uint32(len(idx.docIDs))
	idx.ordinals[id] = ord
	idx.docIDs = append(idx.docIDs, id)

	return ord, false
}

// Count returns the number of indexed documents.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.reverse)
}

// Trigrams returns a copy of the reverse entry for id; used by symmetry
// checks in tests.
func (idx *Index) Trigrams(id types.DocumentID) (map[string]struct{}, bool) {
	ord, ok := idx.ordinal(id, false)
	if !ok {
		return nil, false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	grams, live := idx.reverse[ord]
	if !live {
		return nil, false
	}

	out := make(map[string]struct{}, len(grams))
	for g := range grams {
		out[g] = struct{}{}
	}

	return out, true
}

// Search returns ranked hits for query, capped by limit (0 = no cap).
//
// Candidates are the documents carrying at least half of the query's
// trigrams (the posting itself for single-trigram queries; see
// candidates). Each candidate is scored by
// how much of the query its trigram set covers, tilted slightly toward
// shorter documents, and must clear the length-dependent precision
// threshold. Ties are broken by id so results are deterministic.
//
// An empty query returns no hits; the wildcard contract (empty query or
// "*" listing everything) belongs to the query router, which never routes
// an empty query here.
func (idx *Index) Search(query string, limit int) []Hit {
	queryGrams := tokenize(query)
	if len(queryGrams) == 0 {
		return nil
	}

	candidates := idx.candidates(queryGrams)
	if candidates == nil || candidates.IsEmpty() {
		return nil
	}

	threshold := idx.opts.LongThreshold
	if len(strings.TrimSpace(query)) <= shortQueryChars {
		threshold = idx.opts.ShortThreshold
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var hits []Hit

	it := candidates.Iterator()
	for it.HasNext() {
		ord := it.Next()

		grams, live := idx.reverse[ord]
		if !live {
			continue
		}

		score := scoreDoc(queryGrams, grams)
		if score < threshold {
			continue
		}

		hits = append(hits, Hit{
			ID:      idx.docIDs[ord],
			Score:   score,
			Preview: preview(idx.texts[ord], queryGrams),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}

		return hits[i].ID.Compare(hits[j].ID) < 0
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	return hits
}

// candidates collects documents matching enough of the query's trigrams.
//
// A strict intersection of every posting would make fuzzy matching
// impossible: a query trigram that exists nowhere (or only in other
// documents) would veto otherwise strong matches. Instead each document
// must carry at least half the query's trigrams; the precision threshold
// in Search does the fine filtering. A single-trigram query degenerates to
// that trigram's posting.
func (idx *Index) candidates(queryGrams map[string]struct{}) *roaring.Bitmap {
	counts := make(map[uint32]int)

	for gram := range queryGrams {
		b := idx.bucketFor(gram)

		b.mu.RLock()
		posting, ok := b.posts[gram]

		if ok {
			it := posting.Iterator()
			for it.HasNext() {
				counts[it.Next()]++
			}
		}
		b.mu.RUnlock()
	}

	need := (len(queryGrams) + 1) / 2

	result := roaring.New()

	for ord, c := range counts {
		if c >= need {
			result.Add(ord)
		}
	}

	return result
}

// scoreDoc rates how well the document's trigram set answers the query:
// the dominant term is query coverage |Q∩D|/|Q|; a small document-side
// containment term |Q∩D|/|D| boosts shorter documents so exact-ish matches
// in small documents outrank incidental overlap in large ones.
func scoreDoc(query, doc map[string]struct{}) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}

	overlap := 0

	for gram := range query {
		if _, ok := doc[gram]; ok {
			overlap++
		}
	}

	if overlap == 0 {
		return 0
	}

	// The boost term keeps scores above 1.0 possible for near-exact matches
	// in short documents; thresholds only ever cut from below.
	return float64(overlap)/float64(len(query)) +
		0.05*float64(overlap)/float64(len(doc))
}

// preview extracts a window of at most previewBytes around the first query
// trigram occurrence in the document text. Control characters (including
// the token sentinels) never appear: the text stored is already normalized.
func preview(text string, queryGrams map[string]struct{}) string {
	at := -1

	for gram := range queryGrams {
		// Strip sentinels; they do not occur in the stored text.
		needle := strings.Trim(gram, string(tokenStart)+string(tokenEnd))
		if needle == "" {
			continue
		}

		if i := strings.Index(text, needle); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}

	if at < 0 {
		at = 0
	}

	start := at - previewBytes/4
	if start < 0 {
		start = 0
	}

	end := start + previewBytes
	if end > len(text) {
		end = len(text)
	}

	return strings.TrimSpace(text[start:end])
}
