package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubVerifier struct {
	method   Method
	decision Decision
	err      error
	calls    atomic.Int32
	last     Claim
	mu       sync.Mutex
}

func accepting(m Method) *stubVerifier {
	return &stubVerifier{method: m, decision: Accept(map[string]any{"ok": true})}
}

func (v *stubVerifier) Method() Method { return v.method }

func (v *stubVerifier) Verify(_ context.Context, c Claim) (Decision, error) {
	v.calls.Add(1)
	v.mu.Lock()
	v.last = c
	v.mu.Unlock()
	return v.decision, v.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	recorded []Record
	closed   []Session
}

func (n *recordingNotifier) Recorded(_ context.Context, _ Session, rec Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recorded = append(n.recorded, rec)
	return nil
}

func (n *recordingNotifier) Closed(_ context.Context, s Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, s)
	return nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	clock    *fakeClock
	qr       *stubVerifier
	notifier *recordingNotifier
}

func setup(t *testing.T, verifiers ...Verifier) fixture {
	t.Helper()
	f := fixture{
		store:    NewMemoryStore(),
		clock:    newClock(),
		qr:       accepting(MethodQR),
		notifier: &recordingNotifier{},
	}
	if len(verifiers) == 0 {
		verifiers = []Verifier{f.qr}
	}
	f.svc = NewService(f.store, verifiers, Options{
		Notifier: f.notifier,
		Now:      f.clock.Now,
		Geofence: Geofence{Lat: 5.6037, Lng: -0.1870},
	})
	return f
}

func (f fixture) open(t *testing.T, duration int64) Session {
	t.Helper()
	sess, err := f.svc.Create(context.Background(), CreateParams{
		CourseID:        "CS101",
		CourseName:      "Intro to Computing",
		DurationSeconds: duration,
		Authorized:      true,
	})
	require.NoError(t, err)
	return sess
}

func submission(sessionID, student string) Submission {
	return Submission{SessionID: sessionID, StudentID: student, Method: MethodQR, Proof: json.RawMessage(`{}`)}
}

func TestCreate(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 3600)

	assert.True(t, sess.Active)
	assert.Nil(t, sess.ClosedAt)
	assert.Equal(t, f.clock.Now(), sess.CreatedAt)
	assert.Equal(t, sess.CreatedAt.Add(time.Hour), sess.ExpiryTime)
	assert.Equal(t, int64(600), sess.LateAfterSeconds)
	assert.Equal(t, Geofence{Lat: 5.6037, Lng: -0.1870, RadiusMeters: 100}, sess.Geofence)

	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, stored)
}

func TestCreateOverrides(t *testing.T) {
	f := setup(t)
	late := int64(120)
	fence := Geofence{Lat: 51.5, Lng: -0.12, RadiusMeters: 40}
	sess, err := f.svc.Create(context.Background(), CreateParams{
		CourseID:         "CS102",
		DurationSeconds:  900,
		LateAfterSeconds: &late,
		Geofence:         &fence,
		Authorized:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(120), sess.LateAfterSeconds)
	assert.Equal(t, fence, sess.Geofence)
}

func TestCreateRejects(t *testing.T) {
	negative := int64(-1)
	tooLate := MaxSessionSeconds + 1
	overflow := int64(9_300_000_000)
	tests := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"unauthorized", CreateParams{CourseID: "CS101", DurationSeconds: 60}, ErrForbidden},
		{"zero duration", CreateParams{CourseID: "CS101", DurationSeconds: 0, Authorized: true}, ErrInvalidInput},
		{"negative duration", CreateParams{CourseID: "CS101", DurationSeconds: -30, Authorized: true}, ErrInvalidInput},
		{"blank course", CreateParams{CourseID: "  ", DurationSeconds: 60, Authorized: true}, ErrInvalidInput},
		{"negative late threshold", CreateParams{CourseID: "CS101", DurationSeconds: 60, LateAfterSeconds: &negative, Authorized: true}, ErrInvalidInput},
		{"duration above a day", CreateParams{CourseID: "CS101", DurationSeconds: MaxSessionSeconds + 1, Authorized: true}, ErrInvalidInput},
		{"overflowing duration", CreateParams{CourseID: "CS101", DurationSeconds: 9_300_000_000, Authorized: true}, ErrInvalidInput},
		{"late threshold above a day", CreateParams{CourseID: "CS101", DurationSeconds: 60, LateAfterSeconds: &tooLate, Authorized: true}, ErrInvalidInput},
		{"overflowing late threshold", CreateParams{CourseID: "CS101", DurationSeconds: 60, LateAfterSeconds: &overflow, Authorized: true}, ErrInvalidInput},
		{"bad geofence", CreateParams{CourseID: "CS101", DurationSeconds: 60, Geofence: &Geofence{Lat: 91, RadiusMeters: 10}, Authorized: true}, ErrInvalidInput},
		{"zero radius", CreateParams{CourseID: "CS101", DurationSeconds: 60, Geofence: &Geofence{}, Authorized: true}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			_, err := f.svc.Create(context.Background(), tt.params)
			assert.ErrorIs(t, err, tt.want)

			sessions, err := f.store.ListCourseSessions(context.Background(), "CS101")
			require.NoError(t, err)
			assert.Empty(t, sessions)
		})
	}
}

func TestCreateMaximums(t *testing.T) {
	f := setup(t)
	late := MaxSessionSeconds
	sess, err := f.svc.Create(context.Background(), CreateParams{
		CourseID:         "CS101",
		DurationSeconds:  MaxSessionSeconds,
		LateAfterSeconds: &late,
		Authorized:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, sess.CreatedAt.Add(24*time.Hour), sess.ExpiryTime)
	assert.Equal(t, 24*time.Hour, sess.LateAfter())

	rec, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
}

func TestSessionState(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 60)
	start := sess.CreatedAt

	assert.Equal(t, StateOpen, sess.State(start))
	assert.Equal(t, StateOpen, sess.State(start.Add(59*time.Second+999*time.Millisecond)))
	assert.Equal(t, StateExpired, sess.State(start.Add(60*time.Second)))

	sess.Active = false
	assert.Equal(t, StateClosed, sess.State(start))
	assert.Equal(t, StateClosed, sess.State(start.Add(time.Hour)))
}

func TestSubmitAccepted(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 3600)
	f.clock.Advance(30 * time.Second)

	rec, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
	assert.Equal(t, MethodQR, rec.Method)
	assert.Equal(t, f.clock.Now(), rec.Timestamp)
	assert.Equal(t, map[string]any{"ok": true}, rec.Data)

	assert.Equal(t, sess.ID, f.qr.last.Session.ID)
	assert.Equal(t, "stu-1", f.qr.last.StudentID)

	found, err := f.store.FindRecord(context.Background(), sess.ID, "stu-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec, *found)

	require.Len(t, f.notifier.recorded, 1)
	assert.Equal(t, rec.ID, f.notifier.recorded[0].ID)
}

func TestSubmitLateness(t *testing.T) {
	tests := []struct {
		after time.Duration
		want  Status
	}{
		{0, StatusPresent},
		{599 * time.Second, StatusPresent},
		{600 * time.Second, StatusPresent},
		{600*time.Second + time.Microsecond, StatusLate},
		{601 * time.Second, StatusLate},
	}
	for _, tt := range tests {
		t.Run(tt.after.String(), func(t *testing.T) {
			f := setup(t)
			sess := f.open(t, 3600)
			f.clock.Advance(tt.after)

			rec, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestSubmitPerSessionLateThreshold(t *testing.T) {
	f := setup(t)
	late := int64(0)
	sess, err := f.svc.Create(context.Background(), CreateParams{
		CourseID: "CS101", DurationSeconds: 60, LateAfterSeconds: &late, Authorized: true,
	})
	require.NoError(t, err)

	rec, err := f.svc.Submit(context.Background(), submission(sess.ID, "on-time"))
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)

	f.clock.Advance(time.Second)
	rec, err = f.svc.Submit(context.Background(), submission(sess.ID, "one-second-later"))
	require.NoError(t, err)
	assert.Equal(t, StatusLate, rec.Status)
}

func TestSubmitExpiry(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 60)

	f.clock.Advance(59 * time.Second)
	_, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.svc.Submit(context.Background(), submission(sess.ID, "stu-2"))
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Expiry is derived, never written back.
	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)
}

func TestSubmitCheckOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.Submit(ctx, submission("missing", "stu-1"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, f.qr.calls.Load())
	})

	t.Run("closed wins over expired", func(t *testing.T) {
		f := setup(t)
		sess := f.open(t, 60)
		_, _, err := f.svc.Close(ctx, sess.ID, true)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)

		_, err = f.svc.Submit(ctx, submission(sess.ID, "stu-1"))
		assert.ErrorIs(t, err, ErrSessionClosed)
	})

	t.Run("expired before duplicate", func(t *testing.T) {
		f := setup(t)
		sess := f.open(t, 60)
		_, err := f.svc.Submit(ctx, submission(sess.ID, "stu-1"))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)

		_, err = f.svc.Submit(ctx, submission(sess.ID, "stu-1"))
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("duplicate before verification", func(t *testing.T) {
		f := setup(t)
		sess := f.open(t, 60)
		_, err := f.svc.Submit(ctx, submission(sess.ID, "stu-1"))
		require.NoError(t, err)

		f.qr.decision = Reject("would have failed")
		_, err = f.svc.Submit(ctx, submission(sess.ID, "stu-1"))
		assert.ErrorIs(t, err, ErrDuplicateSubmission)
		assert.Equal(t, int32(1), f.qr.calls.Load())
	})

	t.Run("unknown method after duplicate", func(t *testing.T) {
		f := setup(t)
		sess := f.open(t, 60)
		sub := submission(sess.ID, "stu-1")
		sub.Method = "retina"
		_, err := f.svc.Submit(ctx, sub)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = f.svc.Submit(ctx, submission(sess.ID, "stu-1"))
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, sub)
		assert.ErrorIs(t, err, ErrDuplicateSubmission)
	})

	t.Run("missing student", func(t *testing.T) {
		f := setup(t)
		sess := f.open(t, 60)
		_, err := f.svc.Submit(ctx, submission(sess.ID, ""))
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestSubmitRejected(t *testing.T) {
	f := setup(t)
	f.qr.decision = Reject("qr code expired")
	sess := f.open(t, 60)

	_, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
	assert.ErrorIs(t, err, ErrProofRejected)

	var rej *RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, MethodQR, rej.Method)
	assert.Equal(t, "qr code expired", rej.Reason)
	assert.Equal(t, "proof_rejected", Outcome(err))

	found, err := f.store.FindRecord(context.Background(), sess.ID, "stu-1")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Empty(t, f.notifier.recorded)

	// A rejected attempt does not use up the student's submission.
	f.qr.decision = Accept(nil)
	_, err = f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
	assert.NoError(t, err)
}

func TestSubmitVerifierFailure(t *testing.T) {
	f := setup(t)
	f.qr.err = errors.New("face service unreachable")
	sess := f.open(t, 60)

	_, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
	require.Error(t, err)
	assert.Equal(t, "server_error", Outcome(err))
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 3600)

	const n = 50
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		dupes    atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), submission(sess.ID, "stu-1"))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrDuplicateSubmission):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(n-1), dupes.Load())

	records, err := f.store.ListCourseRecords(context.Background(), "CS101")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSubmitConcurrentStudents(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 3600)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), submission(sess.ID, fmt.Sprintf("stu-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err := f.store.ListCourseRecords(context.Background(), "CS101")
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestClose(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 60)
	f.clock.Advance(10 * time.Second)

	closed, changed, err := f.svc.Close(context.Background(), sess.ID, true)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, closed.Active)
	require.NotNil(t, closed.ClosedAt)
	first := *closed.ClosedAt
	assert.Equal(t, f.clock.Now(), first)

	f.clock.Advance(time.Minute)
	again, changed, err := f.svc.Close(context.Background(), sess.ID, true)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, again.Active)
	require.NotNil(t, again.ClosedAt)
	assert.Equal(t, first, *again.ClosedAt)

	assert.Len(t, f.notifier.closed, 1)
}

func TestCloseRejects(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 60)

	_, _, err := f.svc.Close(context.Background(), sess.ID, false)
	assert.ErrorIs(t, err, ErrForbidden)
	stored, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)

	_, _, err = f.svc.Close(context.Background(), "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseSubmitRace(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, []Verifier{accepting(MethodQR)}, Options{})
	sess, err := svc.Create(context.Background(), CreateParams{CourseID: "CS101", DurationSeconds: 3600, Authorized: true})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []Record
		start    = make(chan struct{})
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rec, err := svc.Submit(context.Background(), submission(sess.ID, fmt.Sprintf("stu-%d", i)))
			if err == nil {
				mu.Lock()
				accepted = append(accepted, rec)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrSessionClosed)
		}(i)
	}
	var closed Session
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		var err error
		closed, _, err = svc.Close(context.Background(), sess.ID, true)
		assert.NoError(t, err)
	}()
	close(start)
	wg.Wait()

	require.NotNil(t, closed.ClosedAt)
	for _, rec := range accepted {
		assert.False(t, rec.Timestamp.After(*closed.ClosedAt), "record %s accepted after close", rec.ID)
	}
	records, err := store.ListCourseRecords(context.Background(), "CS101")
	require.NoError(t, err)
	assert.Len(t, records, len(accepted))
}

type blockingVerifier struct {
	method  Method
	entered chan struct{}
	release chan struct{}
}

func (v *blockingVerifier) Method() Method { return v.method }

func (v *blockingVerifier) Verify(ctx context.Context, _ Claim) (Decision, error) {
	close(v.entered)
	select {
	case <-v.release:
		return Accept(nil), nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func TestSlowVerifierDoesNotBlockClose(t *testing.T) {
	face := &blockingVerifier{method: MethodFace, entered: make(chan struct{}), release: make(chan struct{})}
	f := setup(t, accepting(MethodQR), face)
	sess := f.open(t, 3600)
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		sub := submission(sess.ID, "stu-slow")
		sub.Method = MethodFace
		_, err := f.svc.Submit(ctx, sub)
		slow <- err
	}()
	<-face.entered

	_, err := f.svc.Submit(ctx, submission(sess.ID, "stu-fast"))
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, changed, err := f.svc.Close(closeCtx, sess.ID, true)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = f.svc.Submit(ctx, submission(sess.ID, "stu-late"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	// The slow proof finishes after the close and must not be recorded.
	close(face.release)
	assert.ErrorIs(t, <-slow, ErrSessionClosed)

	found, err := f.store.FindRecord(ctx, sess.ID, "stu-slow")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestCloseRespectsContext(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 3600)

	runlock, err := f.svc.sessions.RLock(context.Background(), sess.ID)
	require.NoError(t, err)
	defer runlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = f.svc.Close(ctx, sess.ID, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseReportsTransitionOnce(t *testing.T) {
	f := setup(t)
	sess := f.open(t, 3600)

	var (
		wg      sync.WaitGroup
		changes atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := f.svc.Close(context.Background(), sess.ID, true)
			if assert.NoError(t, err) && changed {
				changes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), changes.Load())
	assert.Len(t, f.notifier.closed, 1)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "accepted"},
		{InvalidInput("bad"), "invalid_input"},
		{ErrForbidden, "forbidden"},
		{fmt.Errorf("load: %w", ErrNotFound), "not_found"},
		{ErrSessionClosed, "session_closed"},
		{ErrSessionExpired, "session_expired"},
		{ErrDuplicateSubmission, "duplicate_submission"},
		{&RejectionError{Method: MethodGeo, Reason: "too far"}, "proof_rejected"},
		{errors.New("boom"), "server_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err))
	}
}
