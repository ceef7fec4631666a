package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/store"
	"auditchain/pkg/platform/sentinel"
	txcontext "auditchain/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Store persists the chain in PostgreSQL. Appends are serialised by a
// compare-and-set on the single chain_state row; the unique constraints on
// seq and prev_hash reject forks that slip past it.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const columns = `
	id, seq, event_type, actor_id, actor_name, session_id, source_ip, user_agent,
	target_type, target_id, target_name, action,
	before_state, after_state, before_digest, after_digest, metadata,
	severity, status, self_hash, prev_hash,
	compliance_category, contains_personal_data, retention_until, anonymized,
	occurred_at, processed_at, origin_system, origin_version, trace_id, span_id`

func (s *Store) Append(ctx context.Context, e *models.Event, expected store.Tail) error {
	if e.Seq != expected.Seq+1 || e.PrevHash != expected.Hash {
		return sentinel.ErrConflict
	}
	return txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE chain_state SET tail_hash = $1, tail_seq = $2, tail_occurred_at = $3
			WHERE id = 1 AND tail_hash = $4 AND tail_seq = $5`,
			e.SelfHash, e.Seq, e.OccurredAt, expected.Hash, expected.Seq)
		if err != nil {
			return fmt.Errorf("advance chain tail: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("advance chain tail: %w", err)
		} else if n == 0 {
			return sentinel.ErrConflict
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO audit_events (`+columns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
			e.ID, e.Seq, string(e.Type), e.Actor.ID, e.Actor.Name, e.SessionID, e.SourceIP, e.UserAgent,
			e.Target.Type, e.Target.ID, e.Target.Name, e.Action,
			rawArg(e.BeforeState), rawArg(e.AfterState), e.BeforeDigest, e.AfterDigest, rawArg(e.Metadata),
			string(e.Severity), string(e.Status), e.SelfHash, e.PrevHash,
			string(e.Category), e.ContainsPersonalData, e.RetentionUntil, e.Anonymized,
			e.OccurredAt, e.ProcessedAt, e.OriginSystem, e.OriginVersion, e.TraceID, e.SpanID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func rawArg(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func (s *Store) Tail(ctx context.Context) (store.Tail, error) {
	var (
		t  store.Tail
		at sql.NullTime
	)
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT tail_hash, tail_seq, tail_occurred_at FROM chain_state WHERE id = 1`).Scan(&t.Hash, &t.Seq, &at)
	if err != nil {
		return store.Tail{}, fmt.Errorf("read chain tail: %w", err)
	}
	if at.Valid {
		t.OccurredAt = at.Time.UTC()
	}
	return t, nil
}

func (s *Store) Anchor(ctx context.Context) (chain.Anchor, error) {
	var a chain.Anchor
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT anchor_hash, anchor_seq FROM chain_state WHERE id = 1`).Scan(&a.Hash, &a.Seq)
	if err != nil {
		return chain.Anchor{}, fmt.Errorf("read chain anchor: %w", err)
	}
	return a, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Event, error) {
	return s.queryOne(ctx, `SELECT `+columns+` FROM audit_events WHERE id = $1`, id)
}

func (s *Store) GetBySeq(ctx context.Context, seq int64) (*models.Event, error) {
	return s.queryOne(ctx, `SELECT `+columns+` FROM audit_events WHERE seq = $1`, seq)
}

func (s *Store) ListByActor(ctx context.Context, actorID string, page models.Page) ([]*models.Event, error) {
	page = page.Normalize()
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE actor_id = $1
		ORDER BY occurred_at DESC, seq DESC LIMIT $2 OFFSET $3`, actorID, page.Limit, page.Offset)
}

func (s *Store) ListByType(ctx context.Context, eventType policy.EventType, page models.Page) ([]*models.Event, error) {
	page = page.Normalize()
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE event_type = $1
		ORDER BY occurred_at DESC, seq DESC LIMIT $2 OFFSET $3`, string(eventType), page.Limit, page.Offset)
}

func (s *Store) ListByPeriod(ctx context.Context, from, to time.Time, page models.Page) ([]*models.Event, error) {
	page = page.Normalize()
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE occurred_at BETWEEN $1 AND $2
		ORDER BY occurred_at DESC, seq DESC LIMIT $3 OFFSET $4`, from, to, page.Limit, page.Offset)
}

func (s *Store) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Event, error) {
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE status = $1 ORDER BY seq LIMIT $2`, string(status), limitArg(limit))
}

func (s *Store) Timeline(ctx context.Context, entityType, entityID string) ([]*models.Event, error) {
	if entityType == store.EntityActor {
		return s.query(ctx, `SELECT `+columns+` FROM audit_events
			WHERE actor_id = $1 ORDER BY seq`, entityID)
	}
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE target_type = $1 AND target_id = $2 ORDER BY seq`, entityType, entityID)
}

func (s *Store) Search(ctx context.Context, term string, page models.Page) ([]*models.Event, error) {
	if term == "" {
		return nil, nil
	}
	page = page.Normalize()
	pattern := "%" + likeEscaper.Replace(term) + "%"
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE action ILIKE $1 OR target_name ILIKE $1 OR metadata ILIKE $1
		ORDER BY occurred_at DESC, seq DESC LIMIT $2 OFFSET $3`, pattern, page.Limit, page.Offset)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) PersonalDataByActor(ctx context.Context, actorID string) ([]*models.Event, error) {
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE actor_id = $1 AND contains_personal_data ORDER BY seq`, actorID)
}

func (s *Store) ListChain(ctx context.Context, from, to *time.Time) ([]*models.Event, error) {
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		ORDER BY seq`, from, to)
}

func (s *Store) ListArchivable(ctx context.Context, before time.Time, limit int) ([]*models.Event, error) {
	return s.query(ctx, `SELECT `+columns+` FROM audit_events
		WHERE status = $1 AND occurred_at < $2 AND (NOT contains_personal_data OR anonymized)
		ORDER BY seq LIMIT $3`, string(models.StatusProcessed), before, limitArg(limit))
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *Store) UpdateStatus(ctx context.Context, e *models.Event, from models.Status) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE audit_events SET status = $2, processed_at = COALESCE($3, processed_at)
		WHERE id = $1 AND status = $4`, e.ID, string(e.Status), e.ProcessedAt, string(from))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	err = s.execer(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM audit_events WHERE id = $1)`, e.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

func (s *Store) SaveAnonymized(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, len(events))
	names := make([]string, len(events))
	ips := make([]string, len(events))
	agents := make([]string, len(events))
	metadata := make([]string, len(events))
	statuses := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
		names[i] = e.Actor.Name
		ips[i] = e.SourceIP
		agents[i] = e.UserAgent
		metadata[i] = string(e.Metadata)
		statuses[i] = string(e.Status)
	}

	return txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE audit_events AS a SET
				actor_name = u.actor_name,
				source_ip = u.source_ip,
				user_agent = u.user_agent,
				metadata = u.metadata,
				status = CASE WHEN a.status IN ('ARCHIVED', 'REJECTED', 'EXPIRED', 'ANONYMIZED')
					THEN a.status ELSE u.status END,
				before_state = NULL,
				after_state = NULL,
				anonymized = TRUE
			FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
				AS u(id, actor_name, source_ip, user_agent, metadata, status)
			WHERE a.id = u.id`,
			pq.Array(ids), pq.Array(names), pq.Array(ips), pq.Array(agents), pq.Array(metadata), pq.Array(statuses))
		if err != nil {
			return fmt.Errorf("save anonymized: %w", err)
		}
		return requireRows(res, int64(len(events)))
	})
}

func requireRows(res sql.Result, want int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != want {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		UPDATE audit_events SET status = $1
		WHERE id IN (
			SELECT id FROM audit_events
			WHERE retention_until < $2 AND status <> $1
			ORDER BY seq LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, string(models.StatusExpired), now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("mark expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	purged := 0
	err := txcontext.Run(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		// Locking chain_state keeps appends out while the prefix moves.
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM chain_state WHERE id = 1 FOR UPDATE`); err != nil {
			return fmt.Errorf("lock chain state: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			DELETE FROM audit_events
			WHERE seq < COALESCE(
				(SELECT MIN(seq) FROM audit_events WHERE status <> $1 OR retention_until >= $2),
				9223372036854775807)
			RETURNING seq, self_hash`, string(models.StatusExpired), cutoff)
		if err != nil {
			return fmt.Errorf("purge expired: %w", err)
		}
		var last chain.Anchor
		for rows.Next() {
			var a chain.Anchor
			if err := rows.Scan(&a.Seq, &a.Hash); err != nil {
				rows.Close()
				return fmt.Errorf("scan purged event: %w", err)
			}
			if a.Seq > last.Seq {
				last = a
			}
			purged++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("purge expired: %w", err)
		}
		if purged == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chain_state SET anchor_hash = $1, anchor_seq = $2 WHERE id = 1`, last.Hash, last.Seq)
		if err != nil {
			return fmt.Errorf("move chain anchor: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *Store) Stats(ctx context.Context, since time.Time) (models.ResumeStats, error) {
	stats := models.ResumeStats{Since: since}
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE severity = $2),
			COUNT(*) FILTER (WHERE severity = $3),
			COUNT(*) FILTER (WHERE contains_personal_data),
			COUNT(DISTINCT actor_id)
		FROM audit_events WHERE occurred_at >= $1`,
		since, string(models.SeverityCritical), string(models.SeverityError),
	).Scan(&stats.Total, &stats.Critical, &stats.Errors, &stats.PersonalDataCount, &stats.DistinctActors)
	if err != nil {
		return models.ResumeStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

func (s *Store) CountByType(ctx context.Context, from, to time.Time) ([]models.TypeCount, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM audit_events
		WHERE occurred_at BETWEEN $1 AND $2
		GROUP BY event_type ORDER BY COUNT(*) DESC, event_type`, from, to)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	var out []models.TypeCount
	for rows.Next() {
		var tc models.TypeCount
		var t string
		if err := rows.Scan(&t, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		tc.Type = policy.EventType(t)
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *Store) CountUnprocessedCritical(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE occurred_at >= $1
		  AND severity = ANY($2)
		  AND status = ANY($3)`,
		since,
		pq.Array([]string{string(models.SeverityError), string(models.SeverityCritical)}),
		pq.Array(statusStrings(store.UnprocessedStatuses)),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed critical: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*models.Event, error) {
	events, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return events[0], nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var (
			e                           models.Event
			eventType, severity, status string
			category                    string
			before, after, metadata     sql.NullString
			processedAt                 sql.NullTime
		)
		err := rows.Scan(
			&e.ID, &e.Seq, &eventType, &e.Actor.ID, &e.Actor.Name, &e.SessionID, &e.SourceIP, &e.UserAgent,
			&e.Target.Type, &e.Target.ID, &e.Target.Name, &e.Action,
			&before, &after, &e.BeforeDigest, &e.AfterDigest, &metadata,
			&severity, &status, &e.SelfHash, &e.PrevHash,
			&category, &e.ContainsPersonalData, &e.RetentionUntil, &e.Anonymized,
			&e.OccurredAt, &processedAt, &e.OriginSystem, &e.OriginVersion, &e.TraceID, &e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = policy.EventType(eventType)
		e.Severity = models.Severity(severity)
		e.Status = models.Status(status)
		e.Category = policy.Category(category)
		e.BeforeState = nullRaw(before)
		e.AfterState = nullRaw(after)
		e.Metadata = nullRaw(metadata)
		e.RetentionUntil = e.RetentionUntil.UTC()
		e.OccurredAt = e.OccurredAt.UTC()
		if processedAt.Valid {
			at := processedAt.Time.UTC()
			e.ProcessedAt = &at
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

func nullRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
