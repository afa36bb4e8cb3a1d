package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"uniattend/internal/attendance"
)

// QRClaims is the payload encoded in a session's QR code.
type QRClaims struct {
	CourseID  string           `json:"courseId"`
	SessionID string           `json:"sessionId"`
	Expiry    *jwt.NumericDate `json:"expiry"`
	Timestamp *jwt.NumericDate `json:"timestamp"`
}

func (c QRClaims) GetExpirationTime() (*jwt.NumericDate, error) { return c.Expiry, nil }
func (c QRClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.Timestamp, nil }
func (c QRClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c QRClaims) GetIssuer() (string, error)                   { return "", nil }
func (c QRClaims) GetSubject() (string, error)                  { return c.SessionID, nil }
func (c QRClaims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

type qrProof struct {
	Token string `json:"token" validate:"required"`
}

// QR signs and checks the payload lecturers display for students to scan.
type QR struct {
	key []byte
}

// NewQR creates the QR provider. key signs the HS256 payload.
func NewQR(key string) *QR {
	return &QR{key: []byte(key)}
}

func (*QR) Method() attendance.Method { return attendance.MethodQR }

// Issue signs the payload for s. The code expires with the session.
func (q *QR) Issue(s attendance.Session, now time.Time) (string, error) {
	claims := QRClaims{
		CourseID:  s.CourseID,
		SessionID: s.ID,
		Expiry:    jwt.NewNumericDate(s.ExpiryTime),
		Timestamp: jwt.NewNumericDate(now),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(q.key)
	if err != nil {
		return "", fmt.Errorf("sign qr payload: %w", err)
	}
	return token, nil
}

// Verify checks the scanned payload belongs to the session and has not expired.
func (q *QR) Verify(_ context.Context, c attendance.Claim) (attendance.Decision, error) {
	var p qrProof
	if err := decodeProof(attendance.MethodQR, c.Proof, &p); err != nil {
		return attendance.Decision{}, err
	}

	var claims QRClaims
	_, err := jwt.ParseWithClaims(p.Token, &claims, func(*jwt.Token) (interface{}, error) {
		return q.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.Now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return attendance.Decision{}, attendance.InvalidInput("malformed qr payload")
	case errors.Is(err, jwt.ErrTokenExpired):
		return attendance.Reject("qr code expired"), nil
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return attendance.Reject("qr code was not issued by this server"), nil
	default:
		return attendance.Reject("qr code invalid: %v", err), nil
	}

	if claims.SessionID != c.Session.ID {
		return attendance.Reject("qr code belongs to another session"), nil
	}
	if claims.CourseID != c.Session.CourseID {
		return attendance.Reject("qr code belongs to another course"), nil
	}
	data := map[string]any{"course_id": claims.CourseID}
	if claims.Timestamp != nil {
		data["issued_at"] = claims.Timestamp.UTC()
	}
	return attendance.Accept(data), nil
}
