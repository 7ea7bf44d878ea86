package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"missioncore/internal/domain"
)

// Repo is the durable store for mission, task, reservation, sending-domain
// and event records. The scheduler and allocator rebuild their in-memory
// state from it on startup; after that it is the audit trail.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// --- missions ---

const missionCols = `id,tenant_id,type,state,priority,crew_id,worker_id,payload_json,retry_count,last_error,submitted_at,updated_at,started_at,not_before`

func (r Repo) InsertMission(ctx context.Context, m domain.Mission) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO missions(`+missionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, string(m.Type), string(m.State), m.Priority, m.CrewID,
		nullableStr(m.WorkerID), m.Payload, m.RetryCount, nullableStr(m.LastError),
		fmtTime(m.SubmittedAt), fmtTime(m.UpdatedAt), nullableTime(m.StartedAt), nullableTime(m.NotBefore))
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var typ, state, submitted, updated string
	var worker, lastErr, payload, started, notBefore sql.NullString
	err := scan(&m.ID, &m.TenantID, &typ, &state, &m.Priority, &m.CrewID,
		&worker, &payload, &m.RetryCount, &lastErr, &submitted, &updated, &started, &notBefore)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Type = domain.MissionType(typ)
	m.State = domain.MissionState(state)
	m.SubmittedAt = parseTime(submitted)
	m.UpdatedAt = parseTime(updated)
	if worker.Valid {
		m.WorkerID = &worker.String
	}
	if lastErr.Valid {
		m.LastError = &lastErr.String
	}
	if payload.Valid {
		m.Payload = payload.String
	}
	if started.Valid {
		t := parseTime(started.String)
		m.StartedAt = &t
	}
	if notBefore.Valid {
		t := parseTime(notBefore.String)
		m.NotBefore = &t
	}
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

// UpdateMission persists the full mutable portion of a mission row.
func (r Repo) UpdateMission(ctx context.Context, m domain.Mission) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE missions SET state=?,worker_id=?,retry_count=?,last_error=?,updated_at=?,started_at=?,not_before=? WHERE id=?`,
		string(m.State), nullableStr(m.WorkerID), m.RetryCount, nullableStr(m.LastError),
		fmtTime(m.UpdatedAt), nullableTime(m.StartedAt), nullableTime(m.NotBefore), m.ID)
	if err != nil {
		return fmt.Errorf("update mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) missionsWhere(ctx context.Context, where string, args ...any) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionCols+` FROM missions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListByState returns missions in a state ordered by priority then age, the
// same key the in-memory queue uses.
func (r Repo) ListByState(ctx context.Context, state domain.MissionState) ([]domain.Mission, error) {
	return r.missionsWhere(ctx, `WHERE state=? ORDER BY priority DESC, submitted_at ASC`, string(state))
}

func (r Repo) ListActive(ctx context.Context) ([]domain.Mission, error) {
	return r.missionsWhere(ctx, `WHERE state IN ('assigned','executing','collecting','analyzing','optimizing') ORDER BY submitted_at ASC`)
}

func (r Repo) ListByTenant(ctx context.Context, tenantID string, state string, limit int) ([]domain.Mission, error) {
	if limit <= 0 {
		limit = 100
	}
	if state != "" {
		return r.missionsWhere(ctx, `WHERE tenant_id=? AND state=? ORDER BY submitted_at DESC LIMIT ?`, tenantID, state, limit)
	}
	return r.missionsWhere(ctx, `WHERE tenant_id=? ORDER BY submitted_at DESC LIMIT ?`, tenantID, limit)
}

// CountByState returns mission counts keyed by lifecycle state.
func (r Repo) CountByState(ctx context.Context) (map[domain.MissionState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM missions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.MissionState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.MissionState(state)] = n
	}
	return counts, rows.Err()
}

// --- tasks ---

func (r Repo) UpsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,mission_id,state,ordinal,result_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state,result_json=excluded.result_json,updated_at=excluded.updated_at`,
		t.ID, t.MissionID, string(t.State), t.Ordinal, t.Result, fmtTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, missionID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,state,ordinal,COALESCE(result_json,''),updated_at FROM tasks WHERE mission_id=? ORDER BY ordinal`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var state, updated string
		if err := rows.Scan(&t.ID, &t.MissionID, &state, &t.Ordinal, &t.Result, &updated); err != nil {
			return nil, err
		}
		t.State = domain.MissionState(state)
		t.UpdatedAt = parseTime(updated)
		res = append(res, t)
	}
	return res, rows.Err()
}

// MissionProgress derives percent complete from task states. A mission with
// no tasks reports progress from its own lifecycle position instead.
func (r Repo) MissionProgress(ctx context.Context, missionID string) (float64, error) {
	var total, done int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN state='completed' THEN 1 ELSE 0 END),0) FROM tasks WHERE mission_id=?`, missionID).Scan(&total, &done)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, ErrNotFound
	}
	return float64(done) / float64(total) * 100, nil
}

// --- reservations ---

func (r Repo) InsertReservation(ctx context.Context, res domain.Reservation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reservations(id,class,instance_id,mission_id,amount,acquired_at,released_at) VALUES (?,?,?,?,?,?,?)`,
		res.ID, string(res.Class), res.InstanceID, res.MissionID, res.Amount, fmtTime(res.AcquiredAt), nullableTime(res.ReleasedAt))
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (r Repo) ReleaseReservation(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE reservations SET released_at=? WHERE id=? AND released_at IS NULL`, fmtTime(at), id)
	return err
}

// OpenReservations returns every reservation still held, used by the
// allocator to rebuild counters on startup and by the reaper sweep.
func (r Repo) OpenReservations(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,class,instance_id,mission_id,amount,acquired_at FROM reservations WHERE released_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		var class, acquired string
		if err := rows.Scan(&res.ID, &class, &res.InstanceID, &res.MissionID, &res.Amount, &acquired); err != nil {
			return nil, err
		}
		res.Class = domain.ResourceClass(class)
		res.AcquiredAt = parseTime(acquired)
		out = append(out, res)
	}
	return out, rows.Err()
}

// --- sending domains ---

func scanDomain(scan func(dest ...any) error) (domain.DomainIdentity, error) {
	var d domain.DomainIdentity
	var tier, status, rotated string
	err := scan(&d.ID, &d.Name, &tier, &d.Reputation, &status, &rotated)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Tier = domain.DomainTier(tier)
	d.Status = domain.DomainStatus(status)
	d.LastRotatedAt = parseTime(rotated)
	return d, nil
}

func (r Repo) InsertDomain(ctx context.Context, d domain.DomainIdentity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sending_domains(id,name,tier,reputation,status,last_rotated_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.Name, string(d.Tier), d.Reputation, string(d.Status), fmtTime(d.LastRotatedAt))
	if err != nil {
		return fmt.Errorf("insert domain: %w", err)
	}
	return nil
}

func (r Repo) GetDomain(ctx context.Context, id string) (domain.DomainIdentity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,tier,reputation,status,last_rotated_at FROM sending_domains WHERE id=?`, id)
	return scanDomain(row.Scan)
}

func (r Repo) UpdateDomain(ctx context.Context, d domain.DomainIdentity) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sending_domains SET reputation=?,status=?,last_rotated_at=? WHERE id=?`,
		d.Reputation, string(d.Status), fmtTime(d.LastRotatedAt), d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDomains(ctx context.Context) ([]domain.DomainIdentity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,tier,reputation,status,last_rotated_at FROM sending_domains ORDER BY reputation DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DomainIdentity
	for rows.Next() {
		d, err := scanDomain(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- events ---

func (r Repo) AppendEvent(ctx context.Context, e domain.Event) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(correlation_id,mission_id,tenant_id,topic,type,payload_json,confidence,emitted_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.CorrelationID, nullableEmptyStr(e.MissionID), nullableEmptyStr(e.TenantID), e.Topic, e.Type, e.Payload, e.Confidence, e.EmittedAt)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

func nullableEmptyStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// EventsAfter returns up to limit events with id greater than cursor,
// optionally filtered by topic or mission. A non-empty tenantID narrows the
// page to that tenant's events plus tenant-less system events; empty means
// no tenant filter.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, topic, missionID, tenantID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id,correlation_id,COALESCE(mission_id,''),COALESCE(tenant_id,''),topic,type,payload_json,confidence,emitted_at FROM events WHERE id>?`
	args := []any{cursor}
	if topic != "" {
		q += ` AND topic=?`
		args = append(args, topic)
	}
	if missionID != "" {
		q += ` AND mission_id=?`
		args = append(args, missionID)
	}
	if tenantID != "" {
		q += ` AND (COALESCE(tenant_id,'')='' OR tenant_id=?)`
		args = append(args, tenantID)
	}
	q += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var conf sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.MissionID, &e.TenantID, &e.Topic, &e.Type, &e.Payload, &conf, &e.EmittedAt); err != nil {
			return nil, err
		}
		if conf.Valid {
			e.Confidence = &conf.Float64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentEvents returns the newest events for a mission, newest first.
func (r Repo) RecentEvents(ctx context.Context, missionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,correlation_id,COALESCE(mission_id,''),COALESCE(tenant_id,''),topic,type,payload_json,confidence,emitted_at FROM events WHERE mission_id=? ORDER BY id DESC LIMIT ?`, missionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var conf sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.CorrelationID, &e.MissionID, &e.TenantID, &e.Topic, &e.Type, &e.Payload, &conf, &e.EmittedAt); err != nil {
			return nil, err
		}
		if conf.Valid {
			e.Confidence = &conf.Float64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- analytics snapshots ---

func (r Repo) InsertSnapshot(ctx context.Context, takenAt time.Time, snapshotJSON string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO analytics_snapshots(taken_at,snapshot_json) VALUES (?,?)`, fmtTime(takenAt), snapshotJSON)
	return err
}

type SnapshotRow struct {
	TakenAt  time.Time
	Snapshot string
}

func (r Repo) SnapshotsSince(ctx context.Context, since time.Time) ([]SnapshotRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT taken_at,snapshot_json FROM analytics_snapshots WHERE taken_at>=? ORDER BY taken_at ASC`, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var row SnapshotRow
		var taken string
		if err := rows.Scan(&taken, &row.Snapshot); err != nil {
			return nil, err
		}
		row.TakenAt = parseTime(taken)
		out = append(out, row)
	}
	return out, rows.Err()
}
