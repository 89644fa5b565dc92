package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facematch/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Dim is the descriptor width of the embedding column.
const Dim = 128

// ErrNotFound is returned when an identity id does not exist.
var ErrNotFound = errors.New("identity not found")

// Identity is one row of the identities table with its descriptor count.
type Identity struct {
	ID        int
	Name      string
	Count     int
	CreatedAt time.Time
}

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS identity_descriptors (
			id BIGSERIAL PRIMARY KEY,
			identity_id INT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			source TEXT NOT NULL DEFAULT '',
			embedding VECTOR(%d) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS identity_descriptors_identity_id_idx ON identity_descriptors (identity_id);
	`, Dim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

func toVector(d types.Descriptor) (pgvector.Vector, error) {
	if d.Dim() != Dim {
		return pgvector.Vector{}, fmt.Errorf("descriptor has %d dimensions, column expects %d", d.Dim(), Dim)
	}
	v := make([]float32, len(d))
	for i, x := range d {
		v[i] = float32(x)
	}
	return pgvector.NewVector(v), nil
}

func fromVector(v pgvector.Vector) types.Descriptor {
	src := v.Slice()
	d := make(types.Descriptor, len(src))
	for i, x := range src {
		d[i] = float64(x)
	}
	return d
}

// CreateIdentity inserts a new identity and returns its ID.
func (s *Store) CreateIdentity(ctx context.Context, name string) (int, error) {
	var id int
	err := s.conn.QueryRow(ctx, "INSERT INTO identities (name) VALUES ($1) RETURNING id", name).Scan(&id)
	return id, err
}

// EnsureIdentity returns the id of the identity with this name, creating it if needed.
func (s *Store) EnsureIdentity(ctx context.Context, name string) (int, error) {
	var id int
	err := s.conn.QueryRow(ctx, `
		INSERT INTO identities (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name).Scan(&id)
	return id, err
}

// AddDescriptor stores one sample descriptor for an identity.
func (s *Store) AddDescriptor(ctx context.Context, identityID int, source string, d types.Descriptor) error {
	vec, err := toVector(d)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO identity_descriptors (identity_id, source, embedding)
		VALUES ($1, $2, $3::vector)
	`, identityID, source, vec)
	return err
}

// ReplaceDescriptors swaps every stored descriptor of an identity for ds in one transaction.
// Re-enrolling the same manifest therefore does not duplicate samples.
func (s *Store) ReplaceDescriptors(ctx context.Context, identityID int, source string, ds []types.Descriptor) error {
	vecs := make([]pgvector.Vector, len(ds))
	for i, d := range ds {
		v, err := toVector(d)
		if err != nil {
			return err
		}
		vecs[i] = v
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM identity_descriptors WHERE identity_id = $1", identityID); err != nil {
		return err
	}
	for _, v := range vecs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO identity_descriptors (identity_id, source, embedding)
			VALUES ($1, $2, $3::vector)
		`, identityID, source, v); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RenameIdentity updates the name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id int, newName string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// ListIdentities returns every identity ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT i.id, i.name, COUNT(d.id), i.created_at
		FROM identities i
		LEFT JOIN identity_descriptors d ON d.identity_id = i.id
		GROUP BY i.id
		ORDER BY i.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ID, &id.Name, &id.Count, &id.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LoadGallery reads every identity with at least one descriptor. Labels come
// back in id order and descriptors in insertion order, so the matcher's
// first-entry tie rule is stable across loads.
func (s *Store) LoadGallery(ctx context.Context) ([]types.LabeledDescriptor, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT i.id, i.name, d.embedding
		FROM identities i
		JOIN identity_descriptors d ON d.identity_id = i.id
		ORDER BY i.id, d.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gallery []types.LabeledDescriptor
	lastID := -1
	for rows.Next() {
		var (
			id   int
			name string
			vec  pgvector.Vector
		)
		if err := rows.Scan(&id, &name, &vec); err != nil {
			return nil, err
		}
		if id != lastID {
			gallery = append(gallery, types.LabeledDescriptor{Label: name})
			lastID = id
		}
		entry := &gallery[len(gallery)-1]
		entry.Descriptors = append(entry.Descriptors, fromVector(vec))
	}
	return gallery, rows.Err()
}

// FindClosestIdentity searches for the nearest stored descriptor by Euclidean distance.
// Returns -1 if nothing is strictly below the threshold. An exact match always qualifies.
func (s *Store) FindClosestIdentity(ctx context.Context, d types.Descriptor, threshold float64) (int, float64, error) {
	vec, err := toVector(d)
	if err != nil {
		return 0, 0, err
	}
	// <-> is the L2 distance operator in pgvector
	query := `
		SELECT identity_id, embedding <-> $1::vector AS dist
		FROM identity_descriptors
		WHERE embedding <-> $1::vector < $2 OR embedding <-> $1::vector = 0
		ORDER BY dist ASC, identity_id ASC
		LIMIT 1
	`

	var (
		id   int
		dist float64
	)
	err = s.conn.QueryRow(ctx, query, vec, threshold).Scan(&id, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return id, dist, nil
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS identity_descriptors CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}
