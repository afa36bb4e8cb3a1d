// Package courses answers who teaches which course. Course records are
// managed elsewhere; this is a read-only view over them.
package courses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Directory reports course/instructor associations.
type Directory interface {
	Teaches(ctx context.Context, userID, courseID string) (bool, error)
}

// Postgres reads the course_instructors table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a directory over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Teaches reports whether userID is an instructor of courseID.
func (p *Postgres) Teaches(ctx context.Context, userID, courseID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM course_instructors WHERE course_id = $1 AND instructor_id = $2
	`, courseID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Assign links an instructor to a course.
func (p *Postgres) Assign(ctx context.Context, courseID, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO course_instructors (course_id, instructor_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, courseID, userID)
	return err
}

// Static is an in-memory directory.
type Static struct {
	mu      sync.RWMutex
	teaches map[string]map[string]bool // course -> instructor set
}

// NewStatic creates an empty directory.
func NewStatic() *Static {
	return &Static{teaches: make(map[string]map[string]bool)}
}

// Teaches reports whether userID is an instructor of courseID.
func (s *Static) Teaches(_ context.Context, userID, courseID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teaches[courseID][userID], nil
}

// Assign links an instructor to a course.
func (s *Static) Assign(_ context.Context, courseID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teaches[courseID] == nil {
		s.teaches[courseID] = make(map[string]bool)
	}
	s.teaches[courseID][userID] = true
	return nil
}

// Assigner links instructors to courses.
type Assigner interface {
	Assign(ctx context.Context, courseID, userID string) error
}

// ParseAssignments reads "CS101=lec-1,lec-2;MA201=lec-3" into course -> instructors.
func ParseAssignments(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		course, users, ok := strings.Cut(entry, "=")
		course = strings.TrimSpace(course)
		if !ok || course == "" {
			return nil, fmt.Errorf("course assignment %q: want course=instructor[,instructor]", entry)
		}
		for _, u := range strings.Split(users, ",") {
			if u = strings.TrimSpace(u); u != "" {
				out[course] = append(out[course], u)
			}
		}
	}
	return out, nil
}

// Seed applies the assignments listed in s to a.
func Seed(ctx context.Context, a Assigner, s string) error {
	assignments, err := ParseAssignments(s)
	if err != nil {
		return err
	}
	for course, users := range assignments {
		for _, u := range users {
			if err := a.Assign(ctx, course, u); err != nil {
				return fmt.Errorf("assign %s to %s: %w", u, course, err)
			}
		}
	}
	return nil
}
