package costengine

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OverrideStore is the durable configuration-store collaborator named in
// spec §4.4 ("configured override from the external configuration store").
// Config CRUD itself is out of scope per spec §1; only the lookup this
// engine needs is implemented.
type OverrideStore interface {
	GetTranscriptionOverride(ctx context.Context, provider, model string) (*TranscriptionRate, error)
	GetTTSOverride(ctx context.Context, provider, model string) (*TTSRate, error)
	GetRealtimeOverride(ctx context.Context, provider, model string) (*RealtimeRate, error)
}

// PostgresOverrideStore stores rate-card overrides durably, queryable by
// (provider, operation, model), using a pooled connection. A write marks
// the prior Active row Superseded with an UPDATE and then INSERTs the new
// row: two separate statements, not one.
type PostgresOverrideStore struct {
	pool *pgxpool.Pool
}

func NewPostgresOverrideStore(ctx context.Context, connString string) (*PostgresOverrideStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresOverrideStore{pool: pool}, nil
}

func (s *PostgresOverrideStore) Close() {
	s.pool.Close()
}

// Upsert writes (or supersedes) a transcription override. Writing a new row
// for the same (provider, model) first marks the prior Active row
// Superseded with a separate UPDATE, matching spec §3's "only Active is
// applied" rule.
func (s *PostgresOverrideStore) UpsertTranscriptionOverride(ctx context.Context, provider, model string, ratePerMinute Money) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE transcription_rate_overrides SET status = 'Superseded'
		WHERE provider = $1 AND model = $2 AND status = 'Active'
	`, provider, model)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transcription_rate_overrides (provider, model, rate_per_minute, status, created_at)
		VALUES ($1, $2, $3, 'Active', NOW())
		ON CONFLICT (provider, model, status) DO UPDATE SET
			rate_per_minute = EXCLUDED.rate_per_minute,
			created_at = NOW()
	`, provider, model, ratePerMinute.Float64())
	return err
}

func (s *PostgresOverrideStore) GetTranscriptionOverride(ctx context.Context, provider, model string) (*TranscriptionRate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT rate_per_minute FROM transcription_rate_overrides
		WHERE provider = $1 AND model = $2 AND status = 'Active'
	`, provider, model)
	var rate float64
	if err := row.Scan(&rate); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &TranscriptionRate{RatePerMinute: NewMoneyFromFloat(rate), Status: StatusActive}, nil
}

func (s *PostgresOverrideStore) GetTTSOverride(ctx context.Context, provider, model string) (*TTSRate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT rate_per_1k_characters FROM tts_rate_overrides
		WHERE provider = $1 AND model = $2 AND status = 'Active'
	`, provider, model)
	var rate float64
	if err := row.Scan(&rate); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &TTSRate{RatePer1kCharacters: NewMoneyFromFloat(rate), IsOverride: true, Status: StatusActive}, nil
}

func (s *PostgresOverrideStore) GetRealtimeOverride(ctx context.Context, provider, model string) (*RealtimeRate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT rate_per_minute_input, rate_per_minute_output, rate_per_token_input, rate_per_token_output, minimum_duration_seconds
		FROM realtime_rate_overrides
		WHERE provider = $1 AND model = $2 AND status = 'Active'
	`, provider, model)
	var in, out, tokIn, tokOut, floor float64
	if err := row.Scan(&in, &out, &tokIn, &tokOut, &floor); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &RealtimeRate{
		RatePerMinuteInput:  NewMoneyFromFloat(in),
		RatePerMinuteOutput: NewMoneyFromFloat(out),
		RatePerTokenInput:   NewMoneyFromFloat(tokIn),
		RatePerTokenOutput:  NewMoneyFromFloat(tokOut),
		MinimumDurationSecs: floor,
		Status:              StatusActive,
	}, nil
}

// errNoRows aliases pgx.ErrNoRows for readability at each call site above.
var errNoRows = pgx.ErrNoRows
