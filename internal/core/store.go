package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/testnode/pkg/api"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Store is a SQLite-backed run history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a new record. CreatedAt and UpdatedAt are set when zero.
func (s *Store) CreateRun(ctx context.Context, r *api.RunRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Status == "" {
		r.Status = api.RunPending
	}
	args, err := json.Marshal(r.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, image, workdir, node_id, rpc_addr, args, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Mode, r.Image, r.WorkDir, r.NodeID, r.RPCAddr, string(args), string(r.Status), r.Error,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SetNode records where the run's node lives once it is launched.
func (s *Store) SetNode(ctx context.Context, id, nodeID, rpcAddr string) error {
	return s.update(ctx, id, `UPDATE runs SET node_id = ?, rpc_addr = ?, updated_at = ? WHERE id = ?`,
		nodeID, rpcAddr, time.Now().UTC().UnixNano(), id)
}

// UpdateStatus moves a run to status, recording cause when non-nil.
func (s *Store) UpdateStatus(ctx context.Context, id string, status api.RunStatus, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, id, `UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), msg, time.Now().UTC().UnixNano(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// GetRun looks a run up by id or by a unique id prefix.
func (s *Store) GetRun(ctx context.Context, id string) (api.RunRecord, error) {
	if id == "" {
		return api.RunRecord{}, fmt.Errorf("empty run id: %w", ErrRunNotFound)
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT 2`, id, likePrefix(id))
	if err != nil {
		return api.RunRecord{}, fmt.Errorf("query run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return api.RunRecord{}, err
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	switch len(runs) {
	case 0:
		return api.RunRecord{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	case 1:
		return runs[0], nil
	default:
		return api.RunRecord{}, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// likePrefix matches ids starting with prefix, with LIKE wildcards in the
// prefix taken literally.
func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]api.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

const selectRuns = `SELECT id, mode, image, workdir, node_id, rpc_addr, args, status, error, created_at, updated_at FROM runs`

func scanRuns(rows *sql.Rows) ([]api.RunRecord, error) {
	defer rows.Close()
	var out []api.RunRecord
	for rows.Next() {
		var (
			r                api.RunRecord
			args, status     string
			created, updated int64
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.Image, &r.WorkDir, &r.NodeID, &r.RPCAddr, &args, &status, &r.Error, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &r.Args); err != nil {
			return nil, fmt.Errorf("decode args of %s: %w", r.ID, err)
		}
		r.Status = api.RunStatus(status)
		r.CreatedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
