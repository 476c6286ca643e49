// Package history persists finished placements to sqlite so coordinate
// evolution can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cachalot1984/ah-apmon/core"
)

// DB records one row per node per estimation pass.
type DB struct {
	db *sql.DB
}

// Open creates (or reuses) the placement history database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS placements (
			pass_id TEXT NOT NULL,
			taken_at TIMESTAMP NOT NULL,
			node TEXT NOT NULL,
			x DOUBLE NOT NULL,
			y DOUBLE NOT NULL,
			provenance TEXT NOT NULL,
			PRIMARY KEY (pass_id, node)
		);
		CREATE TABLE IF NOT EXISTS unplaced (
			pass_id TEXT NOT NULL,
			taken_at TIMESTAMP NOT NULL,
			node TEXT NOT NULL,
			PRIMARY KEY (pass_id, node)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordPlacement stores every coordinate and unplaced node of one pass in
// a single transaction.
func (d *DB) RecordPlacement(ctx context.Context, passID string, takenAt time.Time, p core.Placement) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for id, coord := range p.Coordinates {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO placements (pass_id, taken_at, node, x, y, provenance) VALUES (?, ?, ?, ?, ?, ?)",
			passID, takenAt, string(id), coord.X, coord.Y, string(coord.Provenance))
		if err != nil {
			return err
		}
	}
	for _, id := range p.Unplaced {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO unplaced (pass_id, taken_at, node) VALUES (?, ?, ?)",
			passID, takenAt, string(id))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PlacementRow is one stored coordinate.
type PlacementRow struct {
	PassID     string
	TakenAt    time.Time
	Node       core.NodeID
	X, Y       float64
	Provenance core.Provenance
}

// Pass returns the coordinates recorded for one pass.
func (d *DB) Pass(ctx context.Context, passID string) ([]PlacementRow, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT pass_id, taken_at, node, x, y, provenance FROM placements WHERE pass_id = ? ORDER BY node",
		passID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlacementRow
	for rows.Next() {
		var r PlacementRow
		var node, prov string
		if err := rows.Scan(&r.PassID, &r.TakenAt, &node, &r.X, &r.Y, &prov); err != nil {
			return nil, err
		}
		r.Node = core.NodeID(node)
		r.Provenance = core.Provenance(prov)
		out = append(out, r)
	}
	return out, rows.Err()
}

// NodeTrack returns a node's coordinates over time, oldest first.
func (d *DB) NodeTrack(ctx context.Context, id core.NodeID, limit int) ([]PlacementRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.db.QueryContext(ctx,
		"SELECT pass_id, taken_at, node, x, y, provenance FROM placements WHERE node = ? ORDER BY taken_at ASC LIMIT ?",
		string(id), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlacementRow
	for rows.Next() {
		var r PlacementRow
		var node, prov string
		if err := rows.Scan(&r.PassID, &r.TakenAt, &node, &r.X, &r.Y, &prov); err != nil {
			return nil, err
		}
		r.Node = core.NodeID(node)
		r.Provenance = core.Provenance(prov)
		out = append(out, r)
	}
	return out, rows.Err()
}
