package memory

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/verimem/verimem/internal/claim"
	embedding "github.com/verimem/verimem/internal/embed"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnavailable is returned when the underlying store cannot be reached.
// Callers decide the retry policy; the store itself never retries.
var ErrUnavailable = errors.New("memory store unavailable")

// clusterStripes is the number of upsert serialization stripes. Upserts whose
// embeddings fall in the same coarse bucket are serialized against each other;
// unrelated claims proceed in parallel.
const clusterStripes = 64

// Store is the semantic memory of previously judged claims: a SQLite-backed
// collection of claim records indexed for brute-force cosine similarity
// search, with a de-duplication-aware upsert.
type Store struct {
	db        *sql.DB
	embedder  embedding.Provider
	threshold float32
	locks     [clusterStripes]sync.Mutex
}

// Open opens (or creates) the claim database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests). threshold is the inclusive cosine-similarity cutoff above which two
// claims are treated as the same cached entity.
func Open(dataDir string, embedder embedding.Provider, threshold float32) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "verimem.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, embedder: embedder, threshold: threshold}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Threshold returns the de-duplication similarity cutoff.
func (s *Store) Threshold() float32 {
	return s.threshold
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// idScore holds only the ID and score during the scan phase of Search.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over all stored
// claims, returning up to k evidence projections ordered by descending
// similarity, ties broken by most recently updated record first. Search never
// mutates the store; an empty store yields an empty result.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]claim.RetrievedEvidence, error) {
	if k <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM claims`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying claims: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return []claim.RetrievedEvidence{}, nil
	}

	// Phase 2: fetch record details only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT id, raw_text, verdict, confidence, source, seen_count, last_seen
		FROM claims WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K claims: %w", err)
	}
	defer fullRows.Close()

	type scoredEvidence struct {
		ev       claim.RetrievedEvidence
		lastSeen time.Time
	}

	var hits []scoredEvidence
	for fullRows.Next() {
		var ev claim.RetrievedEvidence
		var lastSeen string
		if err := fullRows.Scan(&ev.ClaimID, &ev.ClaimText, &ev.Verdict, &ev.Confidence, &ev.Source, &ev.SeenCount, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning claim record: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen for %s: %w", ev.ClaimID, err)
		}
		ev.Similarity = scores[ev.ClaimID]
		hits = append(hits, scoredEvidence{ev: ev, lastSeen: t})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claim records: %w", err)
	}

	// The IN query doesn't preserve order: sort by score descending, most
	// recently updated first on equal similarity.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].ev.Similarity != hits[j].ev.Similarity {
			return hits[i].ev.Similarity > hits[j].ev.Similarity
		}
		return hits[i].lastSeen.After(hits[j].lastSeen)
	})

	results := make([]claim.RetrievedEvidence, len(hits))
	for i, h := range hits {
		results[i] = h.ev
	}
	return results, nil
}

// SearchText embeds the given text and searches by the resulting vector.
func (s *Store) SearchText(ctx context.Context, text string, k int) ([]claim.RetrievedEvidence, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, vec, k)
}

// Upsert merges a verification result into the store. The normalized claim is
// embedded, the single best-matching record is looked up, and a similarity at
// or above the de-duplication threshold updates that record in place
// (seen_count incremented, last_seen refreshed, verdict/confidence/source
// overwritten last-write-wins); anything below the threshold creates a new
// record with seen_count 1.
//
// The read-modify-write sequence is serialized per semantic cluster so two
// near-duplicate claims racing to be first cannot both create a record.
func (s *Store) Upsert(ctx context.Context, res claim.VerificationResult) (claim.MemoryUpdateResult, error) {
	vec, err := s.embedder.Embed(ctx, res.NormalizedClaim)
	if err != nil {
		return claim.MemoryUpdateResult{}, fmt.Errorf("embedding claim for upsert: %w", err)
	}
	return s.UpsertWithEmbedding(ctx, res, vec)
}

// UpsertWithEmbedding is Upsert with a precomputed embedding vector, used by
// bulk loaders that batch their embedding calls.
func (s *Store) UpsertWithEmbedding(ctx context.Context, res claim.VerificationResult, vec []float32) (claim.MemoryUpdateResult, error) {
	mu := &s.locks[clusterBucket(vec)]
	mu.Lock()
	defer mu.Unlock()

	best, err := s.Search(ctx, vec, 1)
	if err != nil {
		return claim.MemoryUpdateResult{}, fmt.Errorf("searching for duplicate: %w", err)
	}

	now := time.Now().UTC()

	if len(best) > 0 && best[0].Similarity >= s.threshold {
		id := best[0].ClaimID
		_, err := s.db.ExecContext(ctx, `
			UPDATE claims
			SET seen_count = seen_count + 1,
			    last_seen = ?,
			    verdict = ?,
			    confidence = ?,
			    source = ?
			WHERE id = ?`,
			now.Format(time.RFC3339Nano), string(res.Verdict), res.Confidence, string(res.Source), id,
		)
		if err != nil {
			return claim.MemoryUpdateResult{}, fmt.Errorf("%w: updating claim %s: %v", ErrUnavailable, id, err)
		}

		var seen int
		if err := s.db.QueryRowContext(ctx, "SELECT seen_count FROM claims WHERE id = ?", id).Scan(&seen); err != nil {
			return claim.MemoryUpdateResult{}, fmt.Errorf("reading seen_count for %s: %w", id, err)
		}

		return claim.MemoryUpdateResult{
			Action:    claim.ActionUpdated,
			ClaimID:   id,
			SeenCount: seen,
			Message:   fmt.Sprintf("merged with existing claim (similarity %.3f, seen %d times)", best[0].Similarity, seen),
		}, nil
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claims (id, raw_text, normalized_text, embedding, verdict, confidence, source, seen_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, res.ClaimText, res.NormalizedClaim, encodeFloat32s(vec),
		string(res.Verdict), res.Confidence, string(res.Source),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return claim.MemoryUpdateResult{}, fmt.Errorf("%w: inserting claim: %v", ErrUnavailable, err)
	}

	return claim.MemoryUpdateResult{
		Action:    claim.ActionCreated,
		ClaimID:   id,
		SeenCount: 1,
		Message:   "stored new claim record",
	}, nil
}

// Stats summarizes the collection. Read-only diagnostic.
type Stats struct {
	TotalClaims int            `json:"total_claims"`
	ByVerdict   map[string]int `json:"by_verdict"`
	TotalSeen   int            `json:"total_seen"`
}

// Stats returns record counts for the collection.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByVerdict: make(map[string]int)}

	var totalSeen sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), SUM(seen_count) FROM claims").Scan(&st.TotalClaims, &totalSeen); err != nil {
		return Stats{}, fmt.Errorf("%w: counting claims: %v", ErrUnavailable, err)
	}
	st.TotalSeen = int(totalSeen.Int64)

	rows, err := s.db.QueryContext(ctx, "SELECT verdict, COUNT(*) FROM claims GROUP BY verdict")
	if err != nil {
		return Stats{}, fmt.Errorf("counting verdicts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return Stats{}, fmt.Errorf("scanning verdict count: %w", err)
		}
		st.ByVerdict[verdict] = count
	}
	return st, rows.Err()
}

// clusterBucket maps an embedding to a coarse bucket from the sign bits of
// its leading dimensions. Near-duplicate embeddings (cosine at or above the
// dedup threshold) agree on leading signs with overwhelming probability, so
// racing upserts of the same semantic claim land on the same stripe.
func clusterBucket(vec []float32) int {
	bucket := 0
	for i := 0; i < 6 && i < len(vec); i++ {
		bucket <<= 1
		if vec[i] >= 0 {
			bucket |= 1
		}
	}
	return bucket % clusterStripes
}

// idScoreHeap is a min-heap of idScore ordered by Score, used to track top-K
// candidates during the scan phase of Search.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
