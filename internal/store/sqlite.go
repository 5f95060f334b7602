package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/post"
	"postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite-backed store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreatePost(ctx context.Context, p *post.Post) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = post.StatusDraft
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(owner_id, src_chat_id, src_message_id, kind, body, attachment_ref, file_id, destination, status, job_id, scheduled_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.OwnerID, p.Source.ChatID, p.Source.MessageID, string(p.Kind), p.Body,
		nullStr(p.AttachmentRef), nullStr(p.FileID), p.Destination, string(p.Status),
		nullStr(p.JobID), nullTime(p.ScheduledAt), p.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

const postColumns = `id, owner_id, src_chat_id, src_message_id, kind, body, attachment_ref, file_id, destination, status, job_id, scheduled_at, created_at`

func (s *sqliteStore) GetPost(ctx context.Context, id int64) (*post.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) UpdatePost(ctx context.Context, id int64, upd PostUpdate) error {
	set, args := buildSet(upd)
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdatePostIfStatus(ctx context.Context, id int64, from []post.Status, upd PostUpdate) (bool, error) {
	set, args := buildSet(upd)
	if len(set) == 0 || len(from) == 0 {
		return false, nil
	}
	args = append(args, id)
	ph := make([]string, 0, len(from))
	for _, st := range from {
		ph = append(ph, "?")
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET `+strings.Join(set, ", ")+` WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListByOwner(ctx context.Context, ownerID int64, statusFilter post.Status, limit int) ([]post.Post, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + postColumns + ` FROM posts WHERE owner_id = ?`
	args := []any{ownerID}
	if statusFilter != "" {
		q += ` AND status = ?`
		args = append(args, string(statusFilter))
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]post.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = ? ORDER BY scheduled_at ASC`,
		string(post.StatusScheduled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, post_id, actor, action, detail) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.PostID, e.Actor, e.Action, nullStr(e.Detail))
	return err
}

// ---- scanning / helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*post.Post, error) {
	var (
		p                            post.Post
		kind, status                 string
		attach, fileID, jobID, sched sql.NullString
		created                      string
	)
	err := r.Scan(&p.ID, &p.OwnerID, &p.Source.ChatID, &p.Source.MessageID, &kind, &p.Body,
		&attach, &fileID, &p.Destination, &status, &jobID, &sched, &created)
	if err != nil {
		return nil, err
	}
	p.Kind = post.ContentKind(kind)
	p.Status = post.Status(status)
	p.AttachmentRef = attach.String
	p.FileID = fileID.String
	p.JobID = jobID.String
	if sched.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, sched.String); perr == nil {
			p.ScheduledAt = t
		}
	}
	if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
		p.CreatedAt = t
	}
	return &p, nil
}

func collectPosts(rows *sql.Rows) ([]post.Post, error) {
	var out []post.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func buildSet(upd PostUpdate) (set []string, args []any) {
	if upd.Body != nil {
		set = append(set, "body = ?")
		args = append(args, *upd.Body)
	}
	if upd.AttachmentRef != nil {
		set = append(set, "attachment_ref = ?")
		args = append(args, nullStr(*upd.AttachmentRef))
	}
	if upd.Destination != nil {
		set = append(set, "destination = ?")
		args = append(args, *upd.Destination)
	}
	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.JobID != nil {
		set = append(set, "job_id = ?")
		args = append(args, nullStr(*upd.JobID))
	}
	if upd.ScheduledAt != nil {
		set = append(set, "scheduled_at = ?")
		args = append(args, nullTime(*upd.ScheduledAt))
	}
	return set, args
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
