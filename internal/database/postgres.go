package database

import (
	"context"
	"database/sql"
)

type PgContentStore struct {
	conn *sql.DB
}

func NewPgContentStore(dsn string) (*PgContentStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgContentStore{conn: db}, nil
}

func (db *PgContentStore) Ping() error {
	return db.conn.Ping()
}

func (db *PgContentStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgContentStore) FetchIds(ctx context.Context, challengeType string, multiplayer bool) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id FROM challenges "+
			"WHERE type = $1 AND visible = TRUE AND ($2 = FALSE OR multiplayer = TRUE) "+
			"ORDER BY id",
		challengeType,
		multiplayer,
	)
	if err != nil {
		return nil, err
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

func (db *PgContentStore) FetchById(ctx context.Context, id string) (Challenge, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, title, type, difficulty, xp, time_limit_sec, mode, created_at, updated_at "+
			"FROM challenges WHERE id = $1 LIMIT 1",
		id,
	)

	var c Challenge
	err := row.Scan(
		&c.Id,
		&c.Title,
		&c.Type,
		&c.Difficulty,
		&c.Xp,
		&c.TimeLimitSec,
		&c.Mode,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	return c, err
}
