package contracts

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// RiskClass grades the blast radius of a capability.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// ManifestStatus is the publication lifecycle of a capability version.
type ManifestStatus string

const (
	StatusDraft      ManifestStatus = "draft"
	StatusPublished  ManifestStatus = "published"
	StatusDeprecated ManifestStatus = "deprecated"
	StatusArchived   ManifestStatus = "archived"
)

// RoutingStatus is the trust-derived visibility of a capability version.
type RoutingStatus string

const (
	RoutingActive    RoutingStatus = "active"
	RoutingPreferred RoutingStatus = "preferred"
	RoutingThrottled RoutingStatus = "throttled"
	RoutingHidden    RoutingStatus = "hidden"
)

var capabilityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

var (
	ErrInvalidCapabilityID = errors.New("contracts: capability id must match provider.action in lowercase snake case")
	ErrInvalidVersion      = errors.New("contracts: capability version must be strict semver")
	ErrNoScopes            = errors.New("contracts: manifest must declare at least one scope")
	ErrEmptyAllowlist      = errors.New("contracts: manifest domain allowlist must not be empty")
)

// CapabilityManifest is the method-level contract for one capability
// version. Manifests with status other than draft are immutable; behavior
// changes ship as a new version.
type CapabilityManifest struct {
	ID              string         `json:"id"`
	Version         string         `json:"version"`
	Provider        string         `json:"provider"`
	Method          string         `json:"method"`
	Scopes          []string       `json:"scopes"`
	InputSchema     map[string]any `json:"input_schema,omitempty"`
	OutputSchema    map[string]any `json:"output_schema,omitempty"`
	RiskClass       RiskClass      `json:"risk_class"`
	DomainAllowlist []string       `json:"domain_allowlist"`
	Status          ManifestStatus `json:"status"`
	RoutingStatus   RoutingStatus  `json:"routing_status"`
	Verified        bool           `json:"verified"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Key returns the (id, version) identity of the manifest.
func (m *CapabilityManifest) Key() string {
	return m.ID + "@" + m.Version
}

// Validate checks the structural invariants of a manifest. It does not
// compile the JSON schemas; that happens at the schema gate.
func (m *CapabilityManifest) Validate() error {
	if !capabilityIDPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidCapabilityID, m.ID)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version)
	}
	if len(m.Scopes) == 0 {
		return ErrNoScopes
	}
	if len(m.DomainAllowlist) == 0 {
		return ErrEmptyAllowlist
	}
	for _, d := range m.DomainAllowlist {
		if err := ValidateAllowlistDomain(d); err != nil {
			return err
		}
	}
	switch m.RiskClass {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return fmt.Errorf("contracts: unknown risk class %q", m.RiskClass)
	}
	return nil
}

// ValidateAllowlistDomain rejects wildcard and IP-literal allowlist entries.
// Allowlists name DNS hosts only; IPs would bypass the post-resolution
// private-range guard.
func ValidateAllowlistDomain(domain string) error {
	d := strings.TrimSpace(strings.ToLower(domain))
	if d == "" {
		return errors.New("contracts: allowlist entry must not be empty")
	}
	if strings.Contains(d, "*") {
		return fmt.Errorf("contracts: allowlist entry %q must not contain wildcards", domain)
	}
	if ip := net.ParseIP(strings.Trim(d, "[]")); ip != nil {
		return fmt.Errorf("contracts: allowlist entry %q must not be an IP literal", domain)
	}
	return nil
}
