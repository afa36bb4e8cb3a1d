package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"uniattend/internal/attendance"
	"uniattend/internal/auth"
	"uniattend/internal/verify"
)

const maxCaptureBytes = 5 << 20

type submitRequest struct {
	SessionID string          `json:"session_id" binding:"required"`
	Method    string          `json:"method" binding:"required"`
	Proof     json.RawMessage `json:"proof"`
}

// SubmitAttendance marks the calling student present or late.
func (h *Handler) SubmitAttendance(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, _ := auth.FromContext(c)
	rec, err := h.svc.Submit(c.Request.Context(), attendance.Submission{
		SessionID: req.SessionID,
		StudentID: id.UserID,
		Method:    attendance.Method(strings.ToLower(req.Method)),
		Proof:     req.Proof,
	})
	if err != nil {
		fail(c, err)
		return
	}
	msg := "Attendance marked successfully"
	if rec.Status == attendance.StatusLate {
		msg = "Attendance marked as late"
	}
	c.JSON(http.StatusCreated, gin.H{"status": rec.Status, "message": msg, "record": rec})
}

// MyAttendance lists the calling student's records, optionally for one course.
func (h *Handler) MyAttendance(c *gin.Context) {
	id, _ := auth.FromContext(c)
	records, err := h.svc.StudentRecords(c.Request.Context(), id.UserID, c.Query("course_id"))
	if err != nil {
		fail(c, err)
		return
	}
	if records == nil {
		records = []attendance.CourseRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// UploadCapture stores a face capture and returns the URL to use as a face proof.
// Accepts a multipart "file" field or a JSON {"data": "<data URL>"} body.
func (h *Handler) UploadCapture(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured", "code": "unavailable"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCaptureBytes)

	ctx := c.Request.Context()
	var (
		url string
		err error
	)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			badRequest(c, errors.New("file field required"))
			return
		}
		defer file.Close()
		data, rerr := io.ReadAll(file)
		if rerr != nil {
			badRequest(c, errors.New("capture too large or unreadable"))
			return
		}
		res, uerr := h.uploads.UploadBytes(ctx, data, header.Filename)
		if uerr == nil {
			url = res.SecureURL
		}
		err = uerr
	} else {
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil {
			badRequest(c, errors.New(`provide {"data": "<base64 data URL>"}`))
			return
		}
		if !strings.HasPrefix(body.Data, "data:image/") {
			badRequest(c, errors.New("data must be an image data URL"))
			return
		}
		res, uerr := h.uploads.UploadDataURL(ctx, body.Data)
		if uerr == nil {
			url = res.SecureURL
		}
		err = uerr
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_url": url})
}

type enrollCardRequest struct {
	Serial    string `json:"serial" binding:"required,max=64"`
	StudentID string `json:"student_id" binding:"required"`
	Revoked   bool   `json:"revoked"`
}

// EnrollCard registers or reassigns an NFC card.
func (h *Handler) EnrollCard(c *gin.Context) {
	var req enrollCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cred := verify.Credential{Serial: req.Serial, StudentID: req.StudentID, Revoked: req.Revoked}
	if err := h.cards.Enroll(c.Request.Context(), cred); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"serial": verify.NormalizeSerial(req.Serial), "student_id": req.StudentID, "revoked": req.Revoked})
}
