package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"uniattend/internal/attendance"
)

// Credential is an NFC card or tag issued to a student.
type Credential struct {
	Serial    string
	StudentID string
	Revoked   bool
}

// CredentialRegistry looks up enrolled cards. Lookup returns nil, nil for
// unknown serials.
type CredentialRegistry interface {
	Lookup(ctx context.Context, serial string) (*Credential, error)
}

// NormalizeSerial folds the formats readers report ("04:a2:3f", "04 A2 3F")
// into one canonical form.
func NormalizeSerial(s string) string {
	r := strings.NewReplacer(":", "", "-", "", " ", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(s)))
}

type nfcProof struct {
	CardID string `json:"card_id" validate:"required,max=64"`
}

// NFC accepts a card serial enrolled to the submitting student.
type NFC struct {
	registry CredentialRegistry
}

// NewNFC creates the NFC provider.
func NewNFC(r CredentialRegistry) *NFC {
	return &NFC{registry: r}
}

func (*NFC) Method() attendance.Method { return attendance.MethodNFC }

// Verify looks the serial up and checks who it belongs to.
func (n *NFC) Verify(ctx context.Context, c attendance.Claim) (attendance.Decision, error) {
	var p nfcProof
	if err := decodeProof(attendance.MethodNFC, c.Proof, &p); err != nil {
		return attendance.Decision{}, err
	}
	serial := NormalizeSerial(p.CardID)
	if serial == "" {
		return attendance.Decision{}, attendance.InvalidInput("malformed nfc proof: empty card id")
	}

	cred, err := n.registry.Lookup(ctx, serial)
	if err != nil {
		return attendance.Decision{}, fmt.Errorf("nfc lookup: %w", err)
	}
	switch {
	case cred == nil:
		return attendance.Reject("card %s is not registered", serial), nil
	case cred.Revoked:
		return attendance.Reject("card %s has been revoked", serial), nil
	case cred.StudentID != c.StudentID:
		return attendance.Reject("card %s is registered to another student", serial), nil
	}
	return attendance.Accept(map[string]any{"card_id": serial}), nil
}

// CredentialStore reads credentials from the nfc_credentials table.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore creates a Postgres-backed registry.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Lookup returns the credential for serial, or nil.
func (s *CredentialStore) Lookup(ctx context.Context, serial string) (*Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT serial, student_id, revoked FROM nfc_credentials WHERE serial = $1
	`, serial).Scan(&c.Serial, &c.StudentID, &c.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// enrollable normalizes c and rejects serials that fold to nothing.
func enrollable(c Credential) (Credential, error) {
	c.Serial = NormalizeSerial(c.Serial)
	if c.Serial == "" {
		return Credential{}, attendance.InvalidInput("card serial is empty")
	}
	if strings.TrimSpace(c.StudentID) == "" {
		return Credential{}, attendance.InvalidInput("student id required")
	}
	return c, nil
}

// Enroll registers or reassigns a card.
func (s *CredentialStore) Enroll(ctx context.Context, c Credential) error {
	c, err := enrollable(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nfc_credentials (serial, student_id, revoked)
		VALUES ($1, $2, $3)
		ON CONFLICT (serial) DO UPDATE SET student_id = EXCLUDED.student_id, revoked = EXCLUDED.revoked
	`, c.Serial, c.StudentID, c.Revoked)
	return err
}

// MemoryCredentials is an in-process registry.
type MemoryCredentials struct {
	mu    sync.RWMutex
	cards map[string]Credential
}

// NewMemoryCredentials creates an empty registry.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{cards: make(map[string]Credential)}
}

// Lookup returns the credential for serial, or nil.
func (m *MemoryCredentials) Lookup(_ context.Context, serial string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[NormalizeSerial(serial)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Enroll registers or reassigns a card.
func (m *MemoryCredentials) Enroll(_ context.Context, c Credential) error {
	c, err := enrollable(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[c.Serial] = c
	return nil
}
