package storage

import (
	"database/sql"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// VecIndex is the approximate-nearest-neighbor substrate for heuristic
// condition embeddings: a sqlite-vec vec0 virtual table mirrored alongside
// the relational heuristics table in Postgres. It stands in for the
// "HNSW-style index... sufficient" ANN requirement without pulling in a
// standalone vector database.
type VecIndex struct {
	db  *sql.DB
	dim int
}

// OpenVecIndex opens (creating if absent) the sqlite file backing the vec0
// index at the given dimension.
func OpenVecIndex(path string, dim int) (*VecIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vec index: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	if _, err := db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS heuristic_vec USING vec0(
			embedding float[%d],
			+heuristic_id TEXT
		)
	`, dim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("create heuristic_vec(float[%d]): %w", dim, err)
	}

	return &VecIndex{db: db, dim: dim}, nil
}

// Close releases the underlying sqlite connection.
func (v *VecIndex) Close() error {
	return v.db.Close()
}

// Dim reports the embedding dimension this index was opened at.
func (v *VecIndex) Dim() int {
	return v.dim
}

// Upsert (re)indexes a heuristic's condition embedding, keyed by an integer
// rowid derived from the heuristic's row id in Postgres. vec0 does not
// reliably support INSERT OR REPLACE, so this issues a DELETE + INSERT, same
// as the reference graph index.
func (v *VecIndex) Upsert(rowid int64, heuristicID string, embedding []float64) error {
	if len(embedding) != v.dim {
		return fmt.Errorf("embedding dim %d does not match vec index dim %d", len(embedding), v.dim)
	}
	emb32 := normalizeFloat32(float64ToFloat32(embedding))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}

	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("begin vec upsert: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM heuristic_vec WHERE rowid = ?`, rowid); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete stale vec row: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO heuristic_vec(rowid, embedding, heuristic_id) VALUES (?, ?, ?)`,
		rowid, serialized, heuristicID); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert vec row: %w", err)
	}
	return tx.Commit()
}

// Delete removes a heuristic's embedding from the index, e.g. when a
// heuristic is pruned.
func (v *VecIndex) Delete(rowid int64) error {
	_, err := v.db.Exec(`DELETE FROM heuristic_vec WHERE rowid = ?`, rowid)
	return err
}

// Match is a single KNN result: the matched heuristic id and its cosine
// similarity to the query embedding.
type Match struct {
	HeuristicID string
	Similarity  float64
}

// Query returns the topK heuristics whose condition embedding is at least
// minSimilarity cosine-similar to queryEmb, ordered by descending similarity.
// vec0 natively speaks L2, so the cosine similarity threshold is converted to
// an L2 distance threshold on the normalized vectors stored by Upsert.
func (v *VecIndex) Query(queryEmb []float64, topK int, minSimilarity float64) ([]Match, error) {
	if len(queryEmb) != v.dim {
		return nil, fmt.Errorf("query embedding dim %d does not match vec index dim %d", len(queryEmb), v.dim)
	}
	emb32 := normalizeFloat32(float64ToFloat32(queryEmb))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return nil, fmt.Errorf("serialize query embedding: %w", err)
	}

	maxL2 := cosineDistToL2(1.0 - minSimilarity)

	// Over-fetch candidates since vec0's own k-limit precedes the
	// similarity-threshold filter applied here.
	rows, err := v.db.Query(`
		SELECT heuristic_id, distance
		FROM heuristic_vec
		WHERE embedding MATCH ?
		  AND k = ?
		ORDER BY distance ASC
	`, serialized, topK*3)
	if err != nil {
		return nil, fmt.Errorf("vec query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			continue
		}
		if distance > maxL2 {
			break // ordered by distance ascending; nothing further qualifies
		}
		matches = append(matches, Match{HeuristicID: id, Similarity: l2ToCosineSim(distance)})
		if len(matches) >= topK {
			break
		}
	}
	return matches, rows.Err()
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, x := range in {
		out[i] = float32(x)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of v. Normalizing before
// storage makes vec0's native L2 distance cosine-equivalent:
// cosine_dist = L2_dist²/2 for unit vectors.
func normalizeFloat32(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosineDistToL2(cosineDist float64) float64 {
	if cosineDist < 0 {
		cosineDist = 0
	}
	return math.Sqrt(2.0 * cosineDist)
}

func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}
