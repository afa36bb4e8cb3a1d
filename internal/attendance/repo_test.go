package attendance

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniattend/internal/keylock"
	"uniattend/internal/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db.Client
}

func repoSession(courseID string, created time.Time) Session {
	return Session{
		ID:               uuid.NewString(),
		CourseID:         courseID,
		CourseName:       "Intro to Computing",
		CreatedAt:        created,
		ExpiryTime:       created.Add(time.Hour),
		DurationSeconds:  3600,
		LateAfterSeconds: 600,
		Geofence:         Geofence{Lat: 5.6037, Lng: -0.1870, RadiusMeters: 100},
		Active:           true,
	}
}

func TestRepositorySessions(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB(t))
	course := "T-" + uuid.NewString()
	base := time.Date(2024, 3, 4, 9, 0, 0, 123456000, time.UTC)

	older := repoSession(course, base)
	newer := repoSession(course, base.Add(24*time.Hour))
	require.NoError(t, repo.InsertSession(ctx, older))
	require.NoError(t, repo.InsertSession(ctx, newer))

	got, err := repo.GetSession(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older, got)

	_, err = repo.GetSession(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	sessions, err := repo.ListCourseSessions(ctx, course)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)
	assert.Equal(t, older.ID, sessions[1].ID)
}

func TestRepositoryRejectsExpiryBeforeCreation(t *testing.T) {
	repo := NewRepository(testDB(t))
	sess := repoSession("T-"+uuid.NewString(), time.Now().UTC().Truncate(time.Microsecond))
	sess.ExpiryTime = sess.CreatedAt.Add(-time.Second)
	assert.Error(t, repo.InsertSession(context.Background(), sess))
}

func TestRepositoryCloseKeepsFirstTime(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB(t))
	sess := repoSession("T-"+uuid.NewString(), time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	require.NoError(t, repo.InsertSession(ctx, sess))

	first := sess.CreatedAt.Add(5 * time.Minute)
	require.NoError(t, repo.UpdateSessionClosed(ctx, sess.ID, first))
	require.NoError(t, repo.UpdateSessionClosed(ctx, sess.ID, first.Add(time.Minute)))

	got, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, first, *got.ClosedAt)

	assert.ErrorIs(t, repo.UpdateSessionClosed(ctx, uuid.NewString(), first), ErrNotFound)
}

func TestRepositoryRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB(t))
	course := "T-" + uuid.NewString()
	other := "T-" + uuid.NewString()
	student := "stu-" + uuid.NewString()
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	s1 := repoSession(course, base)
	s2 := repoSession(course, base.Add(24*time.Hour))
	s3 := repoSession(other, base.Add(time.Hour))
	for _, s := range []Session{s1, s2, s3} {
		require.NoError(t, repo.InsertSession(ctx, s))
	}

	found, err := repo.FindRecord(ctx, s1.ID, student)
	require.NoError(t, err)
	assert.Nil(t, found)

	r1 := Record{ID: uuid.NewString(), SessionID: s1.ID, StudentID: student, Method: MethodGeo, Status: StatusPresent,
		Data: map[string]any{"distance_m": 12.5}, Timestamp: base.Add(time.Minute)}
	r2 := Record{ID: uuid.NewString(), SessionID: s1.ID, StudentID: "stu-" + uuid.NewString(), Method: MethodQR, Status: StatusLate,
		Timestamp: base.Add(20 * time.Minute)}
	r3 := Record{ID: uuid.NewString(), SessionID: s2.ID, StudentID: student, Method: MethodNFC, Status: StatusPresent,
		Timestamp: s2.CreatedAt.Add(time.Minute)}
	r4 := Record{ID: uuid.NewString(), SessionID: s3.ID, StudentID: student, Method: MethodFace, Status: StatusPresent,
		Timestamp: s3.CreatedAt.Add(time.Minute)}
	for _, r := range []Record{r1, r2, r3, r4} {
		require.NoError(t, repo.InsertRecord(ctx, r))
	}

	found, err = repo.FindRecord(ctx, s1.ID, student)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, r1, *found)

	dup := r1
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, repo.InsertRecord(ctx, dup), ErrDuplicateSubmission)

	records, err := repo.ListCourseRecords(ctx, course)
	require.NoError(t, err)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{r3.ID, r1.ID, r2.ID}, ids)
	assert.Equal(t, SessionSummary{ID: s2.ID, CourseID: course, CourseName: s2.CourseName, CreatedAt: s2.CreatedAt, ExpiryTime: s2.ExpiryTime}, records[0].Session)

	mine, err := repo.ListStudentRecords(ctx, student, "")
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	mine, err = repo.ListStudentRecords(ctx, student, other)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r4.ID, mine[0].ID)
}

func TestRepositoryDuplicateAcrossServices(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testDB(t))

	// Separate services stand in for API replicas with their own in-process locks.
	services := make([]*Service, 4)
	for i := range services {
		services[i] = NewService(repo, []Verifier{accepting(MethodQR)}, Options{Locker: keylock.NewMutex()})
	}
	sess, err := services[0].Create(ctx, CreateParams{CourseID: "T-" + uuid.NewString(), DurationSeconds: 3600, Authorized: true})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			_, err := svc.Submit(ctx, submission(sess.ID, "stu-1"))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrDuplicateSubmission)
		}(services[i%len(services)])
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}
