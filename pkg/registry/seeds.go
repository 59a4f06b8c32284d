package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/moatlabs/moat/pkg/contracts"
)

// SeedFile is the YAML bootstrap format: capability manifests plus the
// policy bundles that grant tenants access to them. Single-node
// deployments load one of these at startup instead of talking to an
// external control plane.
type SeedFile struct {
	Manifests []SeedManifest `yaml:"manifests"`
	Bundles   []SeedBundle   `yaml:"bundles"`
}

// SeedManifest mirrors contracts.CapabilityManifest with YAML tags.
// Status defaults to published so a seeded gateway is routable
// without a separate publish step.
type SeedManifest struct {
	ID              string         `yaml:"id"`
	Version         string         `yaml:"version"`
	Provider        string         `yaml:"provider"`
	Method          string         `yaml:"method"`
	Scopes          []string       `yaml:"scopes"`
	InputSchema     map[string]any `yaml:"input_schema,omitempty"`
	OutputSchema    map[string]any `yaml:"output_schema,omitempty"`
	RiskClass       string         `yaml:"risk_class"`
	DomainAllowlist []string       `yaml:"domain_allowlist"`
	Status          string         `yaml:"status,omitempty"`
	Verified        bool           `yaml:"verified,omitempty"`
}

// SeedBundle mirrors contracts.PolicyBundle with YAML tags. Omitted
// limits stay nil, which the policy engine treats as unlimited.
type SeedBundle struct {
	TenantID            string   `yaml:"tenant_id"`
	CapabilityID        string   `yaml:"capability_id"`
	CapabilityVersion   string   `yaml:"capability_version,omitempty"`
	GrantedScopes       []string `yaml:"granted_scopes"`
	DeniedScopes        []string `yaml:"denied_scopes,omitempty"`
	DailyCallsLimit     *int64   `yaml:"daily_calls_limit,omitempty"`
	MonthlyCallsLimit   *int64   `yaml:"monthly_calls_limit,omitempty"`
	DailyCostLimit      *int64   `yaml:"daily_cost_cents_limit,omitempty"`
	MonthlyCostLimit    *int64   `yaml:"monthly_cost_cents_limit,omitempty"`
	HardLimit           bool     `yaml:"hard_limit,omitempty"`
	DomainAllowlist     []string `yaml:"domain_allowlist,omitempty"`
	ApprovalRiskClasses []string `yaml:"approval_risk_classes,omitempty"`
	SecretRef           string   `yaml:"secret_ref,omitempty"`
}

// BundleSink receives policy bundles during seeding.
type BundleSink interface {
	PutBundle(ctx context.Context, b *contracts.PolicyBundle) error
}

// LoadSeedFile reads and parses one seed YAML file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed file: %w", err)
	}
	var sf SeedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &sf, nil
}

// LoadSeedDir merges every *.yaml file in dir, in filename order.
func LoadSeedDir(dir string) (*SeedFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var merged SeedFile
	for _, path := range matches {
		sf, err := LoadSeedFile(path)
		if err != nil {
			return nil, err
		}
		merged.Manifests = append(merged.Manifests, sf.Manifests...)
		merged.Bundles = append(merged.Bundles, sf.Bundles...)
	}
	return &merged, nil
}

// Apply publishes every manifest into reg and stores every bundle into
// sink. It stops at the first failure so a bad seed file cannot leave
// a half-trusted capability silently enabled.
func (sf *SeedFile) Apply(ctx context.Context, reg Registry, sink BundleSink) error {
	for i := range sf.Manifests {
		m := sf.Manifests[i].manifest()
		if err := reg.Publish(ctx, m); err != nil {
			return fmt.Errorf("seed manifest %s@%s: %w", m.ID, m.Version, err)
		}
	}
	if sink == nil {
		return nil
	}
	for i := range sf.Bundles {
		b := sf.Bundles[i].bundle()
		if err := sink.PutBundle(ctx, b); err != nil {
			return fmt.Errorf("seed bundle %s/%s: %w", b.TenantID, b.CapabilityID, err)
		}
	}
	return nil
}

func (s SeedManifest) manifest() *contracts.CapabilityManifest {
	status := contracts.ManifestStatus(s.Status)
	if s.Status == "" {
		status = contracts.StatusPublished
	}
	return &contracts.CapabilityManifest{
		ID:              s.ID,
		Version:         s.Version,
		Provider:        s.Provider,
		Method:          s.Method,
		Scopes:          s.Scopes,
		InputSchema:     s.InputSchema,
		OutputSchema:    s.OutputSchema,
		RiskClass:       contracts.RiskClass(s.RiskClass),
		DomainAllowlist: s.DomainAllowlist,
		Status:          status,
		RoutingStatus:   contracts.RoutingActive,
		Verified:        s.Verified,
	}
}

func (s SeedBundle) bundle() *contracts.PolicyBundle {
	riskClasses := make([]contracts.RiskClass, 0, len(s.ApprovalRiskClasses))
	for _, rc := range s.ApprovalRiskClasses {
		riskClasses = append(riskClasses, contracts.RiskClass(rc))
	}
	return &contracts.PolicyBundle{
		TenantID:            s.TenantID,
		CapabilityID:        s.CapabilityID,
		CapabilityVersion:   s.CapabilityVersion,
		GrantedScopes:       s.GrantedScopes,
		DeniedScopes:        s.DeniedScopes,
		DailyCallsLimit:     s.DailyCallsLimit,
		MonthlyCallsLimit:   s.MonthlyCallsLimit,
		DailyCostLimit:      s.DailyCostLimit,
		MonthlyCostLimit:    s.MonthlyCostLimit,
		HardLimit:           s.HardLimit,
		DomainAllowlist:     s.DomainAllowlist,
		ApprovalRiskClasses: riskClasses,
		SecretRef:           s.SecretRef,
	}
}
