package handler

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"uniattend/internal/attendance"
	"uniattend/internal/auth"
	"uniattend/internal/cloudinary"
	"uniattend/internal/courses"
	"uniattend/internal/tally"
	"uniattend/internal/verify"
)

// Uploader stores face captures and returns their public URL.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, filename string) (*cloudinary.UploadResult, error)
	UploadDataURL(ctx context.Context, data string) (*cloudinary.UploadResult, error)
}

// CredentialEnroller registers NFC cards.
type CredentialEnroller interface {
	Enroll(ctx context.Context, c verify.Credential) error
}

// Handler serves the attendance API.
type Handler struct {
	svc     *attendance.Service
	courses courses.Directory
	qr      *verify.QR
	tally   tally.Tally
	uploads Uploader // nil if Cloudinary not configured
	cards   CredentialEnroller
}

// Deps are the collaborators a Handler needs. Uploads may be nil.
type Deps struct {
	Service *attendance.Service
	Courses courses.Directory
	QR      *verify.QR
	Tally   tally.Tally
	Uploads Uploader
	Cards   CredentialEnroller
}

// New creates a handler.
func New(d Deps) *Handler {
	return &Handler{
		svc:     d.Service,
		courses: d.Courses,
		qr:      d.QR,
		tally:   d.Tally,
		uploads: d.Uploads,
		cards:   d.Cards,
	}
}

// Register mounts the API on r under /v1. mw runs first on every route and
// must include authentication.
func (h *Handler) Register(r gin.IRouter, mw ...gin.HandlerFunc) {
	v1 := r.Group("/v1", mw...)

	staff := v1.Group("", auth.RequireRole(auth.RoleLecturer, auth.RoleAdmin))
	staff.POST("/sessions", h.CreateSession)
	staff.POST("/sessions/:id/close", h.CloseSession)
	staff.GET("/sessions/:id/qr", h.SessionQR)
	staff.GET("/sessions/:id/tally", h.SessionTally)
	staff.GET("/courses/:courseId/sessions", h.CourseSessions)
	staff.GET("/courses/:courseId/attendance", h.CourseAttendance)

	v1.GET("/sessions/:id", h.GetSession)

	student := v1.Group("", auth.RequireRole(auth.RoleStudent))
	student.POST("/attendance", h.SubmitAttendance)
	student.GET("/attendance/me", h.MyAttendance)
	student.POST("/captures", h.UploadCapture)

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/nfc/credentials", h.EnrollCard)
}

// canManage resolves whether the caller may run sessions for courseID:
// admins always, lecturers for courses they teach.
func (h *Handler) canManage(c *gin.Context, courseID string) (bool, error) {
	id, ok := auth.FromContext(c)
	if !ok {
		return false, nil
	}
	switch id.Role {
	case auth.RoleAdmin:
		return true, nil
	case auth.RoleLecturer:
		return h.courses.Teaches(c.Request.Context(), id.UserID, courseID)
	}
	return false, nil
}

// managedSession loads a session and checks the caller may manage it.
// It writes the error response itself and returns false on failure.
func (h *Handler) managedSession(c *gin.Context) (attendance.Session, bool) {
	sess, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return attendance.Session{}, false
	}
	ok, err := h.canManage(c, sess.CourseID)
	if err != nil {
		fail(c, err)
		return attendance.Session{}, false
	}
	if !ok {
		fail(c, attendance.ErrForbidden)
		return attendance.Session{}, false
	}
	return sess, true
}

var statusByOutcome = map[string]int{
	"invalid_input":        http.StatusBadRequest,
	"forbidden":            http.StatusForbidden,
	"not_found":            http.StatusNotFound,
	"session_closed":       http.StatusConflict,
	"session_expired":      http.StatusConflict,
	"duplicate_submission": http.StatusConflict,
	"proof_rejected":       http.StatusUnprocessableEntity,
}

// fail writes err as a JSON error. Business outcomes are returned verbatim;
// anything else is logged and reported as a server error.
func fail(c *gin.Context, err error) {
	code := attendance.Outcome(err)
	status, ok := statusByOutcome[code]
	if !ok {
		log.Printf("handler: %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error", "code": "server_error"})
		return
	}
	body := gin.H{"error": err.Error(), "code": code}
	var rej *attendance.RejectionError
	if errors.As(err, &rej) {
		body["reason"] = rej.Reason
		body["method"] = rej.Method
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
}
