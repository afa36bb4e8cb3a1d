package verify

import (
	"context"
	"errors"
	"fmt"

	"uniattend/internal/attendance"
	"uniattend/internal/faceclient"
)

// DefaultFaceThreshold is the minimum similarity accepted as a match.
const DefaultFaceThreshold = 0.6

// FaceMatcher compares a capture with a student's enrolled reference.
type FaceMatcher interface {
	Verify(ctx context.Context, userID, imageURL string) (*faceclient.VerifyResult, error)
	Liveness(ctx context.Context, imageURL string) (*faceclient.LivenessResult, error)
}

type faceProof struct {
	ImageURL string `json:"image_url" validate:"required,url"`
}

// Face gates the matcher's similarity score on a fixed threshold.
type Face struct {
	matcher         FaceMatcher
	threshold       float64
	requireLiveness bool
}

// NewFace creates the face provider.
func NewFace(m FaceMatcher, threshold float64, requireLiveness bool) *Face {
	if threshold <= 0 {
		threshold = DefaultFaceThreshold
	}
	return &Face{matcher: m, threshold: threshold, requireLiveness: requireLiveness}
}

func (*Face) Method() attendance.Method { return attendance.MethodFace }

// Verify asks the matcher about the captured image.
func (f *Face) Verify(ctx context.Context, c attendance.Claim) (attendance.Decision, error) {
	var p faceProof
	if err := decodeProof(attendance.MethodFace, c.Proof, &p); err != nil {
		return attendance.Decision{}, err
	}

	data := map[string]any{"image_url": p.ImageURL}
	if f.requireLiveness {
		live, err := f.matcher.Liveness(ctx, p.ImageURL)
		if err != nil {
			if d, ok := refused(err); ok {
				return d, nil
			}
			return attendance.Decision{}, fmt.Errorf("face liveness: %w", err)
		}
		if !live.IsLive {
			return attendance.Reject("liveness check failed (confidence %.2f)", live.Confidence), nil
		}
		data["liveness"] = live.Confidence
	}

	res, err := f.matcher.Verify(ctx, c.StudentID, p.ImageURL)
	if err != nil {
		if d, ok := refused(err); ok {
			return d, nil
		}
		return attendance.Decision{}, fmt.Errorf("face verify: %w", err)
	}
	if res.Similarity < f.threshold {
		return attendance.Reject("face does not match enrolled reference: similarity %.2f < %.2f", res.Similarity, f.threshold), nil
	}
	data["similarity"] = res.Similarity
	data["threshold"] = f.threshold
	return attendance.Accept(data), nil
}

// refused turns a 4xx from the face service into a rejection.
func refused(err error) (attendance.Decision, bool) {
	var se *faceclient.StatusError
	if errors.As(err, &se) && se.ClientError() {
		reason := se.Body
		if reason == "" {
			reason = fmt.Sprintf("status %d", se.Code)
		}
		return attendance.Reject("face not verified: %s", reason), true
	}
	return attendance.Decision{}, false
}
