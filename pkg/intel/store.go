package intel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/darkhound/darkhound/pkg/events"
	"github.com/darkhound/darkhound/pkg/models"
	"github.com/darkhound/darkhound/pkg/services"
)

// Store is the PostgreSQL intelligence store. Every write is
// transactional at the record level; upserts also append a timeline
// entry inside the same transaction.
type Store struct {
	db  *sql.DB
	bus *events.Bus
}

// NewStore wires a store over an open pool. bus may be nil in tests
// that only exercise persistence.
func NewStore(db *sql.DB, bus *events.Bus) *Store {
	return &Store{db: db, bus: bus}
}

const findingColumns = `id, asset_id, session_id, hunt_id, kind, title, description,
	severity, confidence, status, fingerprint, primary_technique, tags,
	sighting_count, first_seen, last_seen, stix_bundle, remediation`

// UpsertFinding inserts a finding or folds it into the existing record
// keyed by (asset_id, fingerprint): sighting_count increments, last_seen
// advances, severity escalates monotonically, tags merge as a set, and
// remediation is overwritten by the latest. The passed finding is
// updated in place to the stored state.
func (s *Store) UpsertFinding(ctx context.Context, f *models.Finding) (created bool, err error) {
	if f.Fingerprint == "" {
		f.Fingerprint = Fingerprint(f.AssetID, f.Kind, f.Title, f.PrimaryTechnique)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := scanFinding(tx.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE asset_id = $1 AND fingerprint = $2 FOR UPDATE`,
		f.AssetID, f.Fingerprint))

	now := time.Now().UTC()
	switch {
	case err == nil:
		created = false
		merged := mergeFinding(existing, f, now)
		tags, _ := json.Marshal(merged.Tags)
		remediation := marshalRemediation(merged.Remediation)
		_, err = tx.ExecContext(ctx,
			`UPDATE findings SET sighting_count = $1, last_seen = $2, severity = $3,
			 confidence = $4, description = $5, tags = $6, remediation = $7,
			 session_id = NULLIF($8, '')::uuid, hunt_id = NULLIF($9, '')::uuid
			 WHERE id = $10`,
			merged.SightingCount, merged.LastSeen, merged.Severity,
			merged.Confidence, merged.Description, tags, remediation,
			merged.SessionID, merged.HuntID, merged.ID)
		if err != nil {
			return false, fmt.Errorf("update finding: %w", err)
		}
		*f = *merged

	case errors.Is(err, sql.ErrNoRows):
		created = true
		f.ID = uuid.NewString()
		f.SightingCount = 1
		f.FirstSeen = now
		f.LastSeen = now
		if f.Status == "" {
			f.Status = models.FindingOpen
		}
		tags, _ := json.Marshal(f.Tags)
		remediation := marshalRemediation(f.Remediation)
		var stix any
		if len(f.STIXBundle) > 0 {
			stix = f.STIXBundle
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO findings (`+findingColumns+`)
			 VALUES ($1, $2, NULLIF($3, '')::uuid, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9, $10,
			         $11, $12, $13, $14, $15, $16, $17, $18)`,
			f.ID, f.AssetID, f.SessionID, f.HuntID, f.Kind, f.Title, f.Description,
			f.Severity, f.Confidence, f.Status, f.Fingerprint, f.PrimaryTechnique,
			tags, f.SightingCount, f.FirstSeen, f.LastSeen, stix, remediation)
		if err != nil {
			return false, fmt.Errorf("insert finding: %w", err)
		}

	default:
		return false, fmt.Errorf("lookup finding: %w", err)
	}

	entry := &models.TimelineEntry{
		ID:         uuid.NewString(),
		AssetID:    f.AssetID,
		EventType:  string(events.TypeAIFindingGenerated),
		OccurredAt: now,
	}
	entry.Payload, _ = json.Marshal(map[string]any{
		"finding_id":     f.ID,
		"title":          f.Title,
		"severity":       f.Severity,
		"sighting_count": f.SightingCount,
		"new":            created,
	})
	if err = appendTimelineTx(ctx, tx, entry); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}

	s.emitTimeline(entry)
	return created, nil
}

// mergeFinding applies the upsert rules onto the stored record.
func mergeFinding(old, incoming *models.Finding, now time.Time) *models.Finding {
	merged := *old
	merged.SightingCount = old.SightingCount + 1
	merged.LastSeen = now
	merged.Severity = models.MaxSeverity(old.Severity, incoming.Severity)
	merged.Tags = unionTags(old.Tags, incoming.Tags)
	if incoming.Remediation != nil && !incoming.Remediation.Empty() {
		merged.Remediation = incoming.Remediation
	}
	if incoming.Confidence > old.Confidence {
		merged.Confidence = incoming.Confidence
	}
	if incoming.Description != "" {
		merged.Description = incoming.Description
	}
	if incoming.SessionID != "" {
		merged.SessionID = incoming.SessionID
	}
	if incoming.HuntID != "" {
		merged.HuntID = incoming.HuntID
	}
	return &merged
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range a {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range b {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func marshalRemediation(r *models.Remediation) any {
	if r == nil || r.Empty() {
		return nil
	}
	data, _ := json.Marshal(r)
	return data
}

// GetFinding returns one finding by id.
func (s *Store) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	f, err := scanFinding(s.db.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrNotFound
	}
	return f, err
}

// ListFindings returns findings matching the filters, newest last_seen
// first.
func (s *Store) ListFindings(ctx context.Context, filters models.FindingFilters) ([]*models.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.AssetID != "" {
		query += ` AND asset_id = ` + arg(filters.AssetID)
	}
	if filters.SessionID != "" {
		query += ` AND session_id = ` + arg(filters.SessionID)
	}
	if filters.Status != "" {
		query += ` AND status = ` + arg(filters.Status)
	}
	query += ` ORDER BY last_seen DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ` + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		query += ` OFFSET ` + arg(filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateStatus moves a finding through triage.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.FindingStatus) error {
	switch status {
	case models.FindingOpen, models.FindingAcknowledged, models.FindingResolved:
	default:
		return fmt.Errorf("%w: unknown finding status %q", services.ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE findings SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update finding status: %w", err)
	}
	return requireRow(res)
}

// AttachSTIX stores a generated bundle alongside the finding.
func (s *Store) AttachSTIX(ctx context.Context, id string, bundle []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE findings SET stix_bundle = $1 WHERE id = $2`, bundle, id)
	if err != nil {
		return fmt.Errorf("attach stix bundle: %w", err)
	}
	return requireRow(res)
}

// DeleteFinding removes one finding.
func (s *Store) DeleteFinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM findings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete finding: %w", err)
	}
	return requireRow(res)
}

// AppendTimeline records one timeline entry and emits
// timeline.event_recorded.
func (s *Store) AppendTimeline(ctx context.Context, entry *models.TimelineEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin timeline append: %w", err)
	}
	if err := appendTimelineTx(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit timeline append: %w", err)
	}
	s.emitTimeline(entry)
	return nil
}

func appendTimelineTx(ctx context.Context, tx *sql.Tx, entry *models.TimelineEntry) error {
	var payload any
	if len(entry.Payload) > 0 {
		payload = entry.Payload
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO timeline_events (id, asset_id, event_type, payload, analyst_id, occurred_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6)`,
		entry.ID, entry.AssetID, entry.EventType, payload, entry.AnalystID, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	return nil
}

func (s *Store) emitTimeline(entry *models.TimelineEntry) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.Event{
		Type:      events.TypeTimelineRecorded,
		AssetID:   entry.AssetID,
		Timestamp: entry.OccurredAt,
		Payload: events.TimelineRecordedPayload{
			EntryID:   entry.ID,
			AssetID:   entry.AssetID,
			EventType: entry.EventType,
			AnalystID: entry.AnalystID,
		},
	})
}

// GetTimeline returns the newest entries for an asset, most recent
// first. limit <= 0 means 100.
func (s *Store) GetTimeline(ctx context.Context, assetID string, limit int) ([]*models.TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, event_type, payload, COALESCE(analyst_id::text, ''), occurred_at
		 FROM timeline_events WHERE asset_id = $1
		 ORDER BY occurred_at DESC LIMIT $2`, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("get timeline: %w", err)
	}
	defer rows.Close()

	var out []*models.TimelineEntry
	for rows.Next() {
		var e models.TimelineEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AssetID, &e.EventType, &payload, &e.AnalystID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		e.Payload = payload
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ClearTimeline removes every entry for an asset.
func (s *Store) ClearTimeline(ctx context.Context, assetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timeline_events WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("clear timeline: %w", err)
	}
	return nil
}

// PruneTimeline deletes entries older than the TTL across all assets.
// The retention loop calls this; findings are never pruned.
func (s *Store) PruneTimeline(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM timeline_events WHERE occurred_at < $1`,
		time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("prune timeline: %w", err)
	}
	count, _ := res.RowsAffected()
	return count, nil
}

// SaveAIReport persists one executive report.
func (s *Store) SaveAIReport(ctx context.Context, r *models.AIReport) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_reports (id, asset_id, session_id, hunt_id, provider, report_text, summary, partial, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.AssetID, r.SessionID, r.HuntID, r.Provider, r.Text, r.Summary, r.Partial, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save ai report: %w", err)
	}
	return nil
}

// ListAIReports returns an asset's reports, newest first.
func (s *Store) ListAIReports(ctx context.Context, assetID string) ([]*models.AIReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, session_id, hunt_id, provider, report_text, COALESCE(summary, ''), partial, created_at
		 FROM ai_reports WHERE asset_id = $1 ORDER BY created_at DESC`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list ai reports: %w", err)
	}
	defer rows.Close()

	var out []*models.AIReport
	for rows.Next() {
		var r models.AIReport
		if err := rows.Scan(&r.ID, &r.AssetID, &r.SessionID, &r.HuntID, &r.Provider, &r.Text, &r.Summary, &r.Partial, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ai report: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CascadeAssetDeleted removes everything the store holds for a deleted
// asset: findings, timeline, and reports.
func (s *Store) CascadeAssetDeleted(ctx context.Context, assetID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM findings WHERE asset_id = $1`,
		`DELETE FROM timeline_events WHERE asset_id = $1`,
		`DELETE FROM ai_reports WHERE asset_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, assetID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cascade: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFinding(row rowScanner) (*models.Finding, error) {
	var f models.Finding
	var sessionID, huntID, description, technique sql.NullString
	var tags, stix, remediation []byte
	err := row.Scan(&f.ID, &f.AssetID, &sessionID, &huntID, &f.Kind, &f.Title, &description,
		&f.Severity, &f.Confidence, &f.Status, &f.Fingerprint, &technique, &tags,
		&f.SightingCount, &f.FirstSeen, &f.LastSeen, &stix, &remediation)
	if err != nil {
		return nil, err
	}
	f.SessionID = sessionID.String
	f.HuntID = huntID.String
	f.Description = description.String
	f.PrimaryTechnique = technique.String
	f.STIXBundle = stix
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &f.Tags)
	}
	if len(remediation) > 0 {
		var r models.Remediation
		if json.Unmarshal(remediation, &r) == nil && !r.Empty() {
			f.Remediation = &r
		}
	}
	return &f, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return services.ErrNotFound
	}
	return nil
}
