// Package fixtures provides shared test data constants and factory
// functions for the FlowForge orchestration core test suite.
//
// Using common constants for tenant scopes and flow type catalogs
// prevents magic strings in tests and ensures consistency across
// packages.
package fixtures

import "github.com/FlowForge/flowforge-core/pkg/models"

// Standard tenant identity values used across flow and integration tests.
const (
	// AccountID is the default account scope for unit tests.
	AccountID = "acct-001"

	// EngagementID is the default engagement scope for unit tests.
	EngagementID = "eng-001"

	// AltAccountID is an alternative account for tenant-isolation tests.
	AltAccountID = "acct-002"

	// AltEngagementID is an alternative engagement for tenant-isolation
	// tests.
	AltEngagementID = "eng-002"

	// Actor is the default actor recorded on audit entries in tests.
	Actor = "test-operator"
)

// Scope returns the default tenant scope for unit tests.
func Scope() models.TenantScope {
	return models.TenantScope{AccountID: AccountID, EngagementID: EngagementID}
}

// AltScope returns a second tenant scope for isolation tests.
func AltScope() models.TenantScope {
	return models.TenantScope{AccountID: AltAccountID, EngagementID: AltEngagementID}
}

// Standard flow type catalogs used across manager and store tests.
//
// DiscoveryFlow is a three-phase assessment flow; MigrationFlow is a
// two-phase execution flow used as its downstream counterpart in
// transition tests.
func DiscoveryFlow() models.FlowType {
	return models.FlowType{
		Name:   "discovery",
		Phases: []string{"collect", "analyze", "report"},
	}
}

func MigrationFlow() models.FlowType {
	return models.FlowType{
		Name:   "migration",
		Phases: []string{"plan", "execute"},
	}
}

// Standard configuration values used in config loader tests.
const (
	// TestEnvPrefix is the default environment variable prefix for config tests.
	TestEnvPrefix = "TESTAPP"

	// TestConfigYAML is a minimal valid YAML configuration for tests.
	TestConfigYAML = `host: localhost
port: 8080
database: testdb
`

	// TestConfigJSON is a minimal valid JSON configuration for tests.
	TestConfigJSON = `{
  "host": "localhost",
  "port": 8080,
  "database": "testdb"
}`
)
