package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository persists sessions and records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, course_id, course_name, created_at, expiry_time, duration_seconds,
	late_after_seconds, geo_lat, geo_lng, geo_radius_m, active, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.CourseID, &s.CourseName, &s.CreatedAt, &s.ExpiryTime, &s.DurationSeconds,
		&s.LateAfterSeconds, &s.Geofence.Lat, &s.Geofence.Lng, &s.Geofence.RadiusMeters, &s.Active, &closedAt)
	if err != nil {
		return Session{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiryTime = s.ExpiryTime.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		s.ClosedAt = &t
	}
	return s, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// InsertSession writes a new session.
func (r *Repository) InsertSession(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.CourseID, s.CourseName, s.CreatedAt, s.ExpiryTime, s.DurationSeconds,
		s.LateAfterSeconds, s.Geofence.Lat, s.Geofence.Lng, s.Geofence.RadiusMeters, s.Active, s.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionClosed deactivates a session. Already-closed sessions keep their first closed_at.
func (r *Repository) UpdateSessionClosed(ctx context.Context, id string, closedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET active = FALSE, closed_at = COALESCE(closed_at, $2)
		WHERE id = $1
	`, id, closedAt)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `a.id, a.session_id, a.student_id, a.method, a.status, a.data, a.recorded_at`

func scanRecord(row scanner, extra ...any) (Record, error) {
	var rec Record
	var data []byte
	dest := append([]any{&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Method, &rec.Status, &data, &rec.Timestamp}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return Record{}, fmt.Errorf("decode record data: %w", err)
		}
	}
	return rec, nil
}

// FindRecord returns the student's record for a session, or nil.
func (r *Repository) FindRecord(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records a
		WHERE a.session_id = $1 AND a.student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	return &rec, nil
}

// InsertRecord writes an accepted submission. The (session_id, student_id)
// unique constraint turns a lost race into ErrDuplicateSubmission.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record data: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, method, status, data, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Method), string(rec.Status), string(data), rec.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateSubmission
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListCourseSessions returns a course's sessions, newest first.
func (r *Repository) ListCourseSessions(ctx context.Context, courseID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE course_id = $1
		ORDER BY created_at DESC
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const joinedQuery = `
	SELECT ` + recordColumns + `, s.id, s.course_id, s.course_name, s.created_at, s.expiry_time
	FROM attendance_records a
	JOIN attendance_sessions s ON s.id = a.session_id`

// ListCourseRecords returns every record of a course joined with its session.
func (r *Repository) ListCourseRecords(ctx context.Context, courseID string) ([]CourseRecord, error) {
	return r.listJoined(ctx, joinedQuery+`
		WHERE s.course_id = $1
		ORDER BY s.created_at DESC, a.recorded_at ASC
	`, courseID)
}

// ListStudentRecords returns a student's records, optionally limited to one course.
func (r *Repository) ListStudentRecords(ctx context.Context, studentID, courseID string) ([]CourseRecord, error) {
	query := joinedQuery + ` WHERE a.student_id = $1`
	args := []any{studentID}
	if courseID != "" {
		query += ` AND s.course_id = $2`
		args = append(args, courseID)
	}
	query += ` ORDER BY s.created_at DESC, a.recorded_at ASC`
	return r.listJoined(ctx, query, args...)
}

func (r *Repository) listJoined(ctx context.Context, query string, args ...any) ([]CourseRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	var res []CourseRecord
	for rows.Next() {
		var cr CourseRecord
		sum := &cr.Session
		rec, err := scanRecord(rows, &sum.ID, &sum.CourseID, &sum.CourseName, &sum.CreatedAt, &sum.ExpiryTime)
		if err != nil {
			return nil, err
		}
		cr.Record = rec
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.ExpiryTime = sum.ExpiryTime.UTC()
		res = append(res, cr)
	}
	return res, rows.Err()
}
