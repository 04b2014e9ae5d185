// Package history keeps a SQLite record of completed prompt and embed calls.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("history: call not found")

// Call kinds.
const (
	KindPrompt = "prompt"
	KindEmbed  = "embed"
)

// Call is one recorded prompt or embed call.
type Call struct {
	ID           int64
	TraceID      string
	Kind         string
	Service      string
	Model        string
	FinishReason string
	Rounds       int
	Usage        llm.AggregateUsage
	CreatedAt    time.Time
	// Messages is only loaded by Get.
	Messages []llm.Message
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Service string
	TraceID string
	Kind    string
	Since   time.Time
	Limit   uint64
}

// Store persists calls. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	logger = logger.With().Str("component", "history").Logger()
	if err := Migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordPrompt stores a completed prompt with its whole conversation.
func (s *Store) RecordPrompt(ctx context.Context, service, model string, resp *llm.PromptResponse) (int64, error) {
	if resp == nil {
		return 0, fmt.Errorf("history: nil prompt response")
	}
	if resp.Context.Model != "" {
		model = resp.Context.Model
	}
	call := Call{
		TraceID:      resp.Context.TraceID,
		Kind:         KindPrompt,
		Service:      service,
		Model:        model,
		FinishReason: resp.FinishReason,
		Rounds:       len(resp.UsageStack),
		Usage:        resp.Usage(),
		Messages:     resp.Messages,
	}
	return s.insert(ctx, call)
}

// RecordEmbed stores a completed embed call. Vectors are not kept.
func (s *Store) RecordEmbed(ctx context.Context, service, model string, resp *llm.EmbedResponse) (int64, error) {
	if resp == nil {
		return 0, fmt.Errorf("history: nil embed response")
	}
	if resp.Context.Model != "" {
		model = resp.Context.Model
	}
	return s.insert(ctx, Call{
		TraceID: resp.Context.TraceID,
		Kind:    KindEmbed,
		Service: service,
		Model:   model,
		Rounds:  len(resp.UsageStack),
		Usage:   resp.Usage(),
	})
}

func (s *Store) insert(ctx context.Context, c Call) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := sq.Insert("calls").
		Columns("trace_id", "kind", "service", "model", "finish_reason", "rounds",
			"prompt_tokens", "completion_tokens", "total_tokens", "created_at").
		Values(c.TraceID, c.Kind, c.Service, c.Model, nullString(c.FinishReason), c.Rounds,
			c.Usage.PromptTokens, c.Usage.CompletionTokens, c.Usage.TotalTokens, s.now().Unix()).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}

	if len(c.Messages) > 0 {
		q := sq.Insert("call_messages").Columns("call_id", "position", "role", "content")
		for i, m := range c.Messages {
			content, err := json.Marshal(m)
			if err != nil {
				return 0, fmt.Errorf("marshal message %d: %w", i, err)
			}
			q = q.Values(id, i, string(m.Role), string(content))
		}
		if _, err := q.RunWith(tx).ExecContext(ctx); err != nil {
			return 0, fmt.Errorf("insert messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug().Int64("id", id).Str("kind", c.Kind).Str("trace_id", c.TraceID).Msg("Recorded call")
	return id, nil
}

var callColumns = []string{"id", "trace_id", "kind", "service", "model", "finish_reason", "rounds",
	"prompt_tokens", "completion_tokens", "total_tokens", "created_at"}

// List returns matching calls, newest first, without their messages.
func (s *Store) List(ctx context.Context, f Filter) ([]Call, error) {
	q := sq.Select(callColumns...).From("calls").OrderBy("id DESC")
	if f.Service != "" {
		q = q.Where(sq.Eq{"service": f.Service})
	}
	if f.TraceID != "" {
		q = q.Where(sq.Eq{"trace_id": f.TraceID})
	}
	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": f.Kind})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": f.Since.Unix()})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	rows, err := q.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// Get returns one call with its messages.
func (s *Store) Get(ctx context.Context, id int64) (*Call, error) {
	row := sq.Select(callColumns...).From("calls").Where(sq.Eq{"id": id}).RunWith(s.db).QueryRowContext(ctx)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := sq.Select("content").From("call_messages").
		Where(sq.Eq{"call_id": id}).OrderBy("position").
		RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m llm.Message
		if err := json.Unmarshal([]byte(content), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		c.Messages = append(c.Messages, m)
	}
	return &c, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (Call, error) {
	var (
		c       Call
		finish  sql.NullString
		created int64
	)
	err := row.Scan(&c.ID, &c.TraceID, &c.Kind, &c.Service, &c.Model, &finish, &c.Rounds,
		&c.Usage.PromptTokens, &c.Usage.CompletionTokens, &c.Usage.TotalTokens, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, err
		}
		return Call{}, fmt.Errorf("scan call: %w", err)
	}
	c.FinishReason = finish.String
	c.CreatedAt = time.Unix(created, 0)
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
