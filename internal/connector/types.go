// Package connector holds the per-connector test configuration model, the
// config catalog, the capability factory registry, and the lifecycle
// builder that turns a config into an ordered step sequence.
package connector

// ConnectorConfig identifies the connector under test and its credentials.
type ConnectorConfig struct {
	Name             string            `koanf:"name"`
	Type             string            `koanf:"type"`
	AuthFields       map[string]string `koanf:"auth_fields"`
	ConfigFields     map[string]any    `koanf:"config_fields"`
	RateLimitDelayMS int               `koanf:"rate_limit_delay_ms"`
}

// TestFlowConfig customizes the lifecycle step sequence.
type TestFlowConfig struct {
	Steps              []string `koanf:"steps"`
	SyncTimeoutSeconds int      `koanf:"sync_timeout_seconds"`
}

// DeletionConfig controls incremental deletion testing.
type DeletionConfig struct {
	PartialDeleteCount      int  `koanf:"partial_delete_count"`
	VerifyPartialDeletion   bool `koanf:"verify_partial_deletion"`
	VerifyRemainingEntities bool `koanf:"verify_remaining_entities"`
	VerifyCompleteDeletion  bool `koanf:"verify_complete_deletion"`
}

// VerificationConfig controls how indexed entities are asserted.
type VerificationConfig struct {
	// ScoreThreshold is the minimum relevance score, in [0,1], for an
	// entity to count as present.
	ScoreThreshold float64 `koanf:"score_threshold"`
	// CheckContent additionally asserts the indexed text of each entity.
	CheckContent bool `koanf:"check_content"`
	// Retries wraps verification steps in a bounded-retry decorator.
	// Zero means a single attempt (the default; the core never retries on
	// its own).
	Retries uint64 `koanf:"retries"`
}

// TestConfig is one connector's full test definition, loaded from a YAML
// file in the configs directory.
type TestConfig struct {
	Name         string             `koanf:"name"`
	Description  string             `koanf:"description"`
	Connector    ConnectorConfig    `koanf:"connector"`
	TestFlow     TestFlowConfig     `koanf:"test_flow"`
	Deletion     DeletionConfig     `koanf:"deletion"`
	Verification VerificationConfig `koanf:"verification"`
	EntityCount  int                `koanf:"entity_count"`
}

// defaultSteps is the full incremental lifecycle exercised when a config
// does not narrow it down.
var defaultSteps = []string{
	"create", "sync", "verify",
	"update", "sync", "verify",
	"partial_delete", "sync", "verify_partial_deletion", "verify_remaining_entities",
	"complete_delete", "sync", "verify_complete_deletion",
}

func (c *TestConfig) applyDefaults() {
	if len(c.TestFlow.Steps) == 0 {
		c.TestFlow.Steps = append([]string(nil), defaultSteps...)
	}
	if c.TestFlow.SyncTimeoutSeconds <= 0 {
		c.TestFlow.SyncTimeoutSeconds = 300
	}
	if c.EntityCount <= 0 {
		c.EntityCount = 10
	}
	if c.Connector.RateLimitDelayMS < 0 {
		c.Connector.RateLimitDelayMS = 0
	}
	if c.Deletion.PartialDeleteCount <= 0 {
		c.Deletion.PartialDeleteCount = 1
	}
	if c.Verification.ScoreThreshold <= 0 {
		c.Verification.ScoreThreshold = 0.25
	}
}

// StringField returns a string-valued connector config field, or def when
// absent.
func (c *ConnectorConfig) StringField(key, def string) string {
	if v, ok := c.ConfigFields[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// IntField returns an int-valued connector config field, or def when
// absent. YAML integers decode as int; anything else falls back.
func (c *ConnectorConfig) IntField(key string, def int) int {
	switch v := c.ConfigFields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
