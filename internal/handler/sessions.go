package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"uniattend/internal/attendance"
)

type geofenceRequest struct {
	Lat          float64 `json:"lat" binding:"latitude"`
	Lng          float64 `json:"lng" binding:"longitude"`
	RadiusMeters float64 `json:"radius_meters" binding:"gt=0"`
}

type createSessionRequest struct {
	CourseID         string           `json:"course_id" binding:"required"`
	CourseName       string           `json:"course_name"`
	DurationSeconds  int64            `json:"duration_seconds" binding:"max=86400"`
	LateAfterSeconds *int64           `json:"late_after_seconds" binding:"omitempty,max=86400"`
	Geofence         *geofenceRequest `json:"geofence"`
}

// sessionView adds the derived state to a session.
type sessionView struct {
	attendance.Session
	State attendance.State `json:"state"`
}

func (h *Handler) view(s attendance.Session) sessionView {
	return sessionView{Session: s, State: s.State(h.svc.Now())}
}

// CreateSession opens a new attendance session for a course.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	authorized, err := h.canManage(c, req.CourseID)
	if err != nil {
		fail(c, err)
		return
	}
	params := attendance.CreateParams{
		CourseID:         req.CourseID,
		CourseName:       req.CourseName,
		DurationSeconds:  req.DurationSeconds,
		LateAfterSeconds: req.LateAfterSeconds,
		Authorized:       authorized,
	}
	if req.Geofence != nil {
		params.Geofence = &attendance.Geofence{
			Lat:          req.Geofence.Lat,
			Lng:          req.Geofence.Lng,
			RadiusMeters: req.Geofence.RadiusMeters,
		}
	}
	sess, err := h.svc.Create(c.Request.Context(), params)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(sess))
}

// CloseSession deactivates a session. Closing twice is not an error.
func (h *Handler) CloseSession(c *gin.Context) {
	sess, ok := h.managedSession(c)
	if !ok {
		return
	}
	sess, changed, err := h.svc.Close(c.Request.Context(), sess.ID, true)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"already_closed": !changed,
		"session":        h.view(sess),
	})
}

// GetSession returns one session with its derived state.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(sess))
}

// SessionQR returns the signed payload to render as the session's QR code.
func (h *Handler) SessionQR(c *gin.Context) {
	sess, ok := h.managedSession(c)
	if !ok {
		return
	}
	now := h.svc.Now()
	switch sess.State(now) {
	case attendance.StateClosed:
		fail(c, attendance.ErrSessionClosed)
		return
	case attendance.StateExpired:
		fail(c, attendance.ErrSessionExpired)
		return
	}
	token, err := h.qr.Issue(sess, now)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"course_id":  sess.CourseID,
		"token":      token,
		"expires_at": sess.ExpiryTime,
	})
}

// SessionTally returns the running present/late counts of a session.
func (h *Handler) SessionTally(c *gin.Context) {
	sess, ok := h.managedSession(c)
	if !ok {
		return
	}
	counts, err := h.tally.Get(c.Request.Context(), sess.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// CourseSessions lists a course's sessions, newest first.
func (h *Handler) CourseSessions(c *gin.Context) {
	courseID := c.Param("courseId")
	if !h.authorizeCourse(c, courseID) {
		return
	}
	sessions, err := h.svc.CourseSessions(c.Request.Context(), courseID)
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.view(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// CourseAttendance lists every record of a course joined with session metadata.
func (h *Handler) CourseAttendance(c *gin.Context) {
	courseID := c.Param("courseId")
	if !h.authorizeCourse(c, courseID) {
		return
	}
	records, err := h.svc.CourseRecords(c.Request.Context(), courseID)
	if err != nil {
		fail(c, err)
		return
	}
	if records == nil {
		records = []attendance.CourseRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) authorizeCourse(c *gin.Context, courseID string) bool {
	ok, err := h.canManage(c, courseID)
	if err != nil {
		fail(c, err)
		return false
	}
	if !ok {
		fail(c, attendance.ErrForbidden)
		return false
	}
	return true
}
