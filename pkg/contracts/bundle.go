package contracts

// PolicyBundle is the effective policy for one (tenant, capability version)
// pair. A nil limit means unlimited; the corresponding budget rule is
// skipped. DomainAllowlist mirrors the manifest and is not tenant-editable.
type PolicyBundle struct {
	TenantID            string      `json:"tenant_id"`
	CapabilityID        string      `json:"capability_id"`
	CapabilityVersion   string      `json:"capability_version"`
	GrantedScopes       []string    `json:"granted_scopes"`
	DeniedScopes        []string    `json:"denied_scopes,omitempty"`
	DailyCallsLimit     *int64      `json:"daily_calls_limit,omitempty"`
	MonthlyCallsLimit   *int64      `json:"monthly_calls_limit,omitempty"`
	DailyCostLimit      *int64      `json:"daily_cost_cents_limit,omitempty"`
	MonthlyCostLimit    *int64      `json:"monthly_cost_cents_limit,omitempty"`
	HardLimit           bool        `json:"hard_limit"`
	DomainAllowlist     []string    `json:"domain_allowlist"`
	ApprovalRiskClasses []RiskClass `json:"approval_required_risk_classes,omitempty"`
	SecretRef           string      `json:"secret_ref,omitempty"`
}

// RequiresApproval reports whether the manifest's risk class is in the
// bundle's approval-required set.
func (b *PolicyBundle) RequiresApproval(risk RiskClass) bool {
	for _, r := range b.ApprovalRiskClasses {
		if r == risk {
			return true
		}
	}
	return false
}

// Grants reports whether the bundle grants the given scope.
func (b *PolicyBundle) Grants(scope string) bool {
	for _, s := range b.GrantedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Denies reports whether the bundle explicitly denies the given scope.
// Explicit denials win over grants.
func (b *PolicyBundle) Denies(scope string) bool {
	for _, s := range b.DeniedScopes {
		if s == scope {
			return true
		}
	}
	return false
}
