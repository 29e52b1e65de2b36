package threat

// Recommended actions a finding can carry. Callers decide; the scanner
// only recommends.
const (
	ActionMonitor            = "MONITOR"
	ActionRequireReview      = "REQUIRE_REVIEW"
	ActionRejectOperation    = "REJECT_OPERATION"
	ActionHaltAndInvestigate = "HALT_AND_INVESTIGATE"
	ActionBlockAndEscalate   = "BLOCK_AND_ESCALATE"
)

// CatalogEntry describes one threat class in the closed catalog.
type CatalogEntry struct {
	Code              string   `json:"code"`
	Name              string   `json:"name"`
	Severity          Severity `json:"severity"`
	EscalationTarget  string   `json:"escalation_target"`
	RecommendedAction string   `json:"recommended_action"`
}

var catalog = []CatalogEntry{
	{CodeStorageExhaustion, "storage_exhaustion", SeverityHigh, "platform_ops", ActionRejectOperation},
	{CodeMetadataPoisoning, "metadata_poisoning", SeverityMedium, "security_review", ActionRequireReview},
	{CodeSchemaDrift, "schema_drift", SeverityHigh, "platform_ops", ActionRejectOperation},
	{CodeWriteCollision, "write_collision", SeverityHigh, "platform_ops", ActionRequireReview},
	{CodeExecutorOverride, "executor_override", SeverityCritical, "security_incident", ActionBlockAndEscalate},
	{CodeEscalation, "governance_bypass", SeverityCritical, "security_incident", ActionBlockAndEscalate},
	{CodeCrossContext, "cross_context_contamination", SeverityHigh, "security_review", ActionRejectOperation},
	{CodeAuditTampering, "audit_tampering", SeverityCritical, "security_incident", ActionHaltAndInvestigate},
	{CodeOwnershipConflict, "ownership_conflict", SeverityHigh, "security_review", ActionRequireReview},
	{CodeProvenanceOverTrust, "provenance_over_trust", SeverityMedium, "security_review", ActionMonitor},
}

// Catalog returns the closed threat catalog in code order.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, len(catalog))
	copy(out, catalog)
	return out
}
