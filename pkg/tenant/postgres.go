package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `
		id, business_name, phone_number, agent_name, industry, greeting,
		escalation_phone, voice_id, tone, verbosity, empathy, active
`

// PostgresStore reads tenants from the tenants table.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects a pool for dsn and verifies it with a ping.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant store: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	query := `SELECT` + tenantColumns + `FROM tenants WHERE active = true`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TenantByID(ctx context.Context, id string) (Tenant, error) {
	query := `SELECT` + tenantColumns + `FROM tenants WHERE id = $1`
	t, err := scanTenant(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) TenantByPhone(ctx context.Context, phone string) (Tenant, error) {
	query := `SELECT` + tenantColumns + `FROM tenants WHERE phone_number = $1 AND active = true LIMIT 1`
	t, err := scanTenant(s.db.QueryRow(ctx, query, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	return t, err
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.BusinessName, &t.PhoneNumber, &t.AgentName, &t.Industry, &t.Greeting,
		&t.EscalationPhone, &t.VoiceID,
		&t.Personality.Tone, &t.Personality.Verbosity, &t.Personality.Empathy,
		&t.Active,
	)
	return t, err
}

var _ Store = (*PostgresStore)(nil)
