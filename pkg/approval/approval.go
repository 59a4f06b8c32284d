// Package approval issues and verifies the signed tokens that satisfy
// the policy engine's risk-class approval gate. Tokens are HS256 JWTs
// bound to one (tenant, capability) pair; a token approved for one
// capability says nothing about any other.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/policy"
)

const (
	issuer   = "moat/approvals"
	audience = "moat/execute"

	// DefaultTTL bounds how long a human approval stays usable.
	DefaultTTL = 15 * time.Minute
)

// Claims is the approval token payload.
type Claims struct {
	jwt.RegisteredClaims
	TenantID     string `json:"tenant_id"`
	CapabilityID string `json:"capability_id"`
	Status       string `json:"status"` // approved | pending | denied
	Approver     string `json:"approver,omitempty"`
}

// Manager mints and verifies approval tokens with a shared secret.
// It implements policy.ApprovalVerifier.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager returns a Manager. ttl <= 0 selects DefaultTTL.
func NewManager(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) < 32 {
		return nil, errors.New("approval: signing secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints an approved token for (tenant, capability).
func (m *Manager) Issue(tenantID, capabilityID, approver string) (string, error) {
	return m.IssueWithStatus(tenantID, capabilityID, approver, "approved")
}

// IssueWithStatus mints a token carrying an explicit gate status. The
// console uses pending/denied tokens to reflect an open review.
func (m *Manager) IssueWithStatus(tenantID, capabilityID, approver, status string) (string, error) {
	switch status {
	case "approved", "pending", "denied":
	default:
		return "", fmt.Errorf("approval: unknown status %q", status)
	}
	now := m.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        contracts.NewID(),
			Subject:   tenantID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		TenantID:     tenantID,
		CapabilityID: capabilityID,
		Status:       status,
		Approver:     approver,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks token for (tenant, capability) and reports the gate
// state. Anything that fails to parse or is signed for a different
// pair counts as no valid token at all.
func (m *Manager) Verify(token, tenantID, capabilityID string) policy.ApprovalStatus {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return policy.ApprovalExpired
		}
		return policy.ApprovalInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return policy.ApprovalInvalid
	}
	if claims.TenantID != tenantID || claims.CapabilityID != capabilityID {
		return policy.ApprovalInvalid
	}
	switch claims.Status {
	case "approved":
		return policy.ApprovalApproved
	case "pending":
		return policy.ApprovalPending
	case "denied":
		return policy.ApprovalDenied
	default:
		return policy.ApprovalInvalid
	}
}

func (m *Manager) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("approval: unexpected signing method %v", token.Header["alg"])
	}
	return m.secret, nil
}
