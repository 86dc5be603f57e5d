// Package reference holds the read-only dataset of known compounds used to
// cross-check generated molecule metrics.
package reference

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed seed.json
var seedJSON []byte

// Compound is a reference entry for an approved or well characterised molecule.
type Compound struct {
	Name            string  `json:"name"`
	ProteinTarget   string  `json:"protein_target"`
	SMILES          string  `json:"smiles"`
	MolecularWeight float64 `json:"molecular_weight"`
	LogP            float64 `json:"logp"`
	BindingAffinity float64 `json:"binding_affinity"`
}

// Store is a SQLite-backed reference dataset.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the reference database and loads the embedded seed.
// An empty path keeps the dataset in memory.
func Open(dbPath string) (*Store, error) {
	dsn := ":memory:"
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create reference directory: %w", err)
		}
		dsn = dbPath + "?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open reference database: %w", err)
	}
	// Every new connection to :memory: is a separate database, so pin to one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize reference schema: %w", err)
	}
	if err := s.seed(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed reference data: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS compounds (
		smiles TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		protein_target TEXT NOT NULL,
		molecular_weight REAL NOT NULL,
		logp REAL NOT NULL,
		binding_affinity REAL NOT NULL,
		loaded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_compounds_target ON compounds(protein_target);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) seed(ctx context.Context) error {
	var compounds []Compound
	if err := json.Unmarshal(seedJSON, &compounds); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	return s.Upsert(ctx, compounds...)
}

// Upsert inserts or replaces compounds.
func (s *Store) Upsert(ctx context.Context, compounds ...Compound) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO compounds (smiles, name, protein_target, molecular_weight, logp, binding_affinity, loaded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(smiles) DO UPDATE SET
		name = excluded.name,
		protein_target = excluded.protein_target,
		molecular_weight = excluded.molecular_weight,
		logp = excluded.logp,
		binding_affinity = excluded.binding_affinity,
		loaded_at = excluded.loaded_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	for _, c := range compounds {
		if _, err := stmt.ExecContext(ctx, c.SMILES, c.Name, normalizeTarget(c.ProteinTarget),
			c.MolecularWeight, c.LogP, c.BindingAffinity, now); err != nil {
			return fmt.Errorf("upsert %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// BySMILES returns the compound with the exact SMILES string, or nil.
func (s *Store) BySMILES(ctx context.Context, smiles string) (*Compound, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, protein_target, smiles, molecular_weight, logp, binding_affinity
		FROM compounds WHERE smiles = ?`, strings.TrimSpace(smiles))

	var c Compound
	err := row.Scan(&c.Name, &c.ProteinTarget, &c.SMILES, &c.MolecularWeight, &c.LogP, &c.BindingAffinity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan compound: %w", err)
	}
	return &c, nil
}

// ByTarget returns all compounds known to act on a protein target.
func (s *Store) ByTarget(ctx context.Context, target string) ([]Compound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, protein_target, smiles, molecular_weight, logp, binding_affinity
		FROM compounds WHERE protein_target = ? ORDER BY name`, normalizeTarget(target))
	if err != nil {
		return nil, fmt.Errorf("query compounds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Compound
	for rows.Next() {
		var c Compound
		if err := rows.Scan(&c.Name, &c.ProteinTarget, &c.SMILES, &c.MolecularWeight, &c.LogP, &c.BindingAffinity); err != nil {
			return nil, fmt.Errorf("scan compound: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func normalizeTarget(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
