package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/feed"
)

// Store is the durable sink for enriched items and account identities.
// Implemented by PGStore; faked in tests.
type Store interface {
	UpsertItem(ctx context.Context, item feed.EnrichedItem) error
	UpsertAccount(ctx context.Context, publicKey []byte, createdAt int64) error
	Ping(ctx context.Context) error
	Close()
}

const upsertItemSQL = `INSERT INTO news_items (
    fingerprint, title, link, description, article,
    published_at, fetched_at, comments_url, category, author, source,
    semantic_score, sentiment_label, score_vector, scoring_model, scored_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (fingerprint) DO UPDATE SET
    title = EXCLUDED.title,
    link = EXCLUDED.link,
    description = EXCLUDED.description,
    article = EXCLUDED.article,
    published_at = EXCLUDED.published_at,
    fetched_at = EXCLUDED.fetched_at,
    comments_url = EXCLUDED.comments_url,
    category = EXCLUDED.category,
    author = EXCLUDED.author,
    source = EXCLUDED.source,
    semantic_score = EXCLUDED.semantic_score,
    sentiment_label = EXCLUDED.sentiment_label,
    score_vector = EXCLUDED.score_vector,
    scoring_model = EXCLUDED.scoring_model,
    scored_at = EXCLUDED.scored_at,
    updated_at = NOW()`

const upsertAccountSQL = `INSERT INTO accounts (public_key, created_at)
VALUES ($1, $2)
ON CONFLICT (public_key) DO NOTHING`

// PGStore persists to Postgres over a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects a pool for the given DSN and verifies it with a
// ping.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "PGStore", "New", "parse dsn")
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "PGStore", "New", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err), "PGStore", "New", "ping")
	}
	return &PGStore{pool: pool}, nil
}

// UpsertItem writes the enriched item, replacing any prior row with the
// same fingerprint whole. Replaying identical content is a no-op in
// effect.
func (s *PGStore) UpsertItem(ctx context.Context, item feed.EnrichedItem) error {
	_, err := s.pool.Exec(ctx, upsertItemSQL,
		item.Fingerprint, item.Title, item.Link, item.Description, item.Article,
		item.PublishedTimestamp, item.FetchedTimestamp, item.CommentsURL,
		item.Category, item.Author, item.Source,
		item.SemanticScore, item.SentimentLabel, item.ScoreVector,
		item.ScoringModel, item.ScoredAt)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"PGStore", "UpsertItem", "upsert item")
	}
	return nil
}

// UpsertAccount registers an account identity, keeping the original
// created_at when the key already exists.
func (s *PGStore) UpsertAccount(ctx context.Context, publicKey []byte, createdAt int64) error {
	if len(publicKey) == 0 {
		return errors.WrapInvalid(errors.ErrMalformedItem,
			"PGStore", "UpsertAccount", "empty public key")
	}
	_, err := s.pool.Exec(ctx, upsertAccountSQL, publicKey, createdAt)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"PGStore", "UpsertAccount", "upsert account")
	}
	return nil
}

// Ping checks connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err), "PGStore", "Ping", "ping")
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
