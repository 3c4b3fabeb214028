package vectorstore

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/docgrove/docgrove/internal/core"
)

// PgVectorStore keeps embedded fragments in a pgvector table. The owner
// namespace is an owner_id predicate carried by every statement; fragment
// ids are globally unique (they embed the document id) but no read, write
// or delete ever crosses an owner boundary.
type PgVectorStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPgVectorStore(ctx context.Context, connString string, dim int) (*PgVectorStore, error) {
	if connString == "" {
		return nil, fmt.Errorf("vector store connection string is empty")
	}
	if dim <= 0 {
		dim = 768
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}

	vs := &PgVectorStore{pool: pool, dim: dim}
	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return vs, nil
}

func (vs *PgVectorStore) initialize(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS document_fragments (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			text TEXT NOT NULL,
			pre_context TEXT NOT NULL DEFAULT '',
			post_context TEXT NOT NULL DEFAULT '',
			embedding vector(%d)
		)`, vs.dim)
	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create fragments table: %w", err)
	}

	if _, err := vs.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS document_fragments_owner_doc_idx
		ON document_fragments (owner_id, document_id, position)`); err != nil {
		return fmt.Errorf("create owner index: %w", err)
	}

	if _, err := vs.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS document_fragments_embedding_idx
		ON document_fragments
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`); err != nil {
		return fmt.Errorf("create embedding index: %w", err)
	}

	return nil
}

// UpsertFragments writes fragments by deterministic id. ON CONFLICT makes
// the write idempotent: replaying a batch after a partial failure converges
// on the same rows.
func (vs *PgVectorStore) UpsertFragments(ctx context.Context, ownerID string, items []core.FragmentVector) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const stmt = `
		INSERT INTO document_fragments
			(id, owner_id, document_id, position, text, pre_context, post_context, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			pre_context = EXCLUDED.pre_context,
			post_context = EXCLUDED.post_context,
			embedding = EXCLUDED.embedding
	`

	for i := range items {
		it := &items[i]
		if len(it.Embedding) != vs.dim {
			return fmt.Errorf("fragment %s: embedding dim %d, store expects %d", it.ID, len(it.Embedding), vs.dim)
		}
		_, err := tx.Exec(ctx, stmt,
			it.ID, ownerID, it.DocumentID, it.Order,
			sanitizeUTF8(it.Text), sanitizeUTF8(it.PreContext), sanitizeUTF8(it.PostContext),
			pgvector.NewVector(it.Embedding),
		)
		if err != nil {
			return fmt.Errorf("upsert fragment %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (vs *PgVectorStore) Query(ctx context.Context, ownerID string, vector []float32, topK int, documentID string) ([]core.VectorMatch, error) {
	if topK <= 0 {
		topK = 5
	}

	q := `
		SELECT id, document_id, position, text, embedding <=> $2
		FROM document_fragments
		WHERE owner_id = $1
	`
	args := []any{ownerID, pgvector.NewVector(vector)}
	if documentID != "" {
		q += " AND document_id = $3 ORDER BY embedding <=> $2 LIMIT $4"
		args = append(args, documentID, topK)
	} else {
		q += " ORDER BY embedding <=> $2 LIMIT $3"
		args = append(args, topK)
	}

	rows, err := vs.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var out []core.VectorMatch
	for rows.Next() {
		var m core.VectorMatch
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Order, &m.Text, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (vs *PgVectorStore) ListFragmentIDs(ctx context.Context, ownerID, documentID string) ([]string, error) {
	const q = `
		SELECT id FROM document_fragments
		WHERE owner_id = $1 AND document_id = $2
		ORDER BY position ASC
	`
	rows, err := vs.pool.Query(ctx, q, ownerID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list fragment ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (vs *PgVectorStore) DeleteFragments(ctx context.Context, ownerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `DELETE FROM document_fragments WHERE owner_id = $1 AND id = ANY($2)`
	if _, err := vs.pool.Exec(ctx, q, ownerID, ids); err != nil {
		return fmt.Errorf("delete fragments: %w", err)
	}
	return nil
}

func (vs *PgVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// sanitizeUTF8 drops invalid byte sequences before they reach Postgres,
// which rejects text containing broken UTF-8.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
