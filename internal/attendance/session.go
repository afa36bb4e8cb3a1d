package attendance

import (
	"encoding/json"
	"time"
)

// Method identifies how a student proved presence.
type Method string

const (
	MethodQR   Method = "qr"
	MethodFace Method = "face"
	MethodGeo  Method = "geo"
	MethodNFC  Method = "nfc"
)

// Valid reports whether m is one of the supported verification channels.
func (m Method) Valid() bool {
	switch m {
	case MethodQR, MethodFace, MethodGeo, MethodNFC:
		return true
	}
	return false
}

// Status is the classification of an accepted submission.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
)

// State is derived from the active flag and the clock, never stored.
type State string

const (
	StateOpen    State = "open"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

// Geofence is the circle a geo proof must fall inside.
type Geofence struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Session is a time-boxed window in which one course's attendance can be marked.
type Session struct {
	ID               string     `json:"id"`
	CourseID         string     `json:"course_id"`
	CourseName       string     `json:"course_name"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiryTime       time.Time  `json:"expiry_time"`
	DurationSeconds  int64      `json:"duration_seconds"`
	LateAfterSeconds int64      `json:"late_after_seconds"`
	Geofence         Geofence   `json:"geofence"`
	Active           bool       `json:"active"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// State reports whether the session is open, expired or closed at now.
// Explicit closure wins over expiry.
func (s Session) State(now time.Time) State {
	if !s.Active {
		return StateClosed
	}
	if !now.Before(s.ExpiryTime) {
		return StateExpired
	}
	return StateOpen
}

// LateAfter is the lateness threshold measured from CreatedAt.
func (s Session) LateAfter() time.Duration {
	return time.Duration(s.LateAfterSeconds) * time.Second
}

// classify marks a submission late when it arrives strictly after the threshold.
func (s Session) classify(at time.Time) Status {
	if at.Sub(s.CreatedAt) > s.LateAfter() {
		return StatusLate
	}
	return StatusPresent
}

// Record is an accepted attendance submission. It is written once and never updated.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	StudentID string         `json:"student_id"`
	Method    Method         `json:"method"`
	Status    Status         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionSummary is the session metadata joined onto report rows.
type SessionSummary struct {
	ID         string    `json:"id"`
	CourseID   string    `json:"course_id"`
	CourseName string    `json:"course_name"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiryTime time.Time `json:"expiry_time"`
}

// CourseRecord is a record joined with the session it belongs to.
type CourseRecord struct {
	Record
	Session SessionSummary `json:"session"`
}

func summarize(s Session) SessionSummary {
	return SessionSummary{
		ID:         s.ID,
		CourseID:   s.CourseID,
		CourseName: s.CourseName,
		CreatedAt:  s.CreatedAt,
		ExpiryTime: s.ExpiryTime,
	}
}

// Submission is one student's attempt to mark attendance.
type Submission struct {
	SessionID string
	StudentID string
	Method    Method
	Proof     json.RawMessage
}
