package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/episim-labs/episim-go/internal/platform/auditlog"
)

type AuditAppender struct {
	db  auditlog.QueryRower
	now func() time.Time
}

func NewAuditAppender(db auditlog.QueryRower) *AuditAppender {
	if db == nil {
		return nil
	}
	return &AuditAppender{db: db, now: time.Now}
}

func (a *AuditAppender) Append(ctx context.Context, event auditlog.Event) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("audit appender not initialized")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now().UTC()
	}
	id, err := auditlog.Insert(ctx, a.db, event)
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return id, nil
}

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 500
)

// AuditFilter narrows an audit listing. Zero fields do not filter. Results
// are newest first; BeforeID pages backwards.
type AuditFilter struct {
	BeforeID   int64
	Action     string
	ResourceID string
	RequestID  string
	Limit      int
}

type AuditRecord struct {
	EventID         int64           `json:"event_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Actor           string          `json:"actor"`
	Action          string          `json:"action"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	RequestID       string          `json:"request_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

type AuditQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type AuditReader struct {
	db AuditQuerier
}

func NewAuditReader(db AuditQuerier) *AuditReader {
	if db == nil {
		return nil
	}
	return &AuditReader{db: db}
}

func (r *AuditReader) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit reader not initialized")
	}
	query, args := buildAuditQuery(filter)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]AuditRecord, 0, clampLimit(filter.Limit))
	for rows.Next() {
		var (
			rec        AuditRecord
			reqID      sql.NullString
			ip         sql.NullString
			userAgent  sql.NullString
			payloadRaw []byte
		)
		if err := rows.Scan(
			&rec.EventID,
			&rec.OccurredAt,
			&rec.Actor,
			&rec.Action,
			&rec.ResourceType,
			&rec.ResourceID,
			&reqID,
			&ip,
			&userAgent,
			&payloadRaw,
			&rec.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		rec.RequestID = strings.TrimSpace(reqID.String)
		rec.IP = strings.TrimSpace(ip.String)
		rec.UserAgent = strings.TrimSpace(userAgent.String)
		rec.Payload = normalizePayload(payloadRaw)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}

func buildAuditQuery(filter AuditFilter) (string, []any) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+" = $"+strconv.Itoa(len(args)))
	}
	if filter.BeforeID > 0 {
		args = append(args, filter.BeforeID)
		where = append(where, "event_id < $"+strconv.Itoa(len(args)))
	}
	if v := strings.TrimSpace(filter.Action); v != "" {
		add("action", v)
	}
	if v := strings.TrimSpace(filter.ResourceID); v != "" {
		add("resource_id", v)
	}
	if v := strings.TrimSpace(filter.RequestID); v != "" {
		add("request_id", v)
	}

	args = append(args, clampLimit(filter.Limit))
	query := `SELECT event_id, occurred_at, actor, action, resource_type, resource_id, request_id, host(ip), user_agent, payload, integrity_sha256
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_id DESC LIMIT $" + strconv.Itoa(len(args))
	return query, args
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultAuditLimit
	case limit > MaxAuditLimit:
		return MaxAuditLimit
	default:
		return limit
	}
}

func normalizePayload(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}
