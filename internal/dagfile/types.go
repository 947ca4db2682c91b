// Package dagfile parses a DAG definition from its accepted serialization
// formats — TOML, JSON, YAML — into the validated in-memory dagmodel.DAG
// spec.md §6 requires, with identical semantics after parsing regardless of
// which format was used and strict rejection of unknown fields. Grounded
// in the BurntSushi/toml-based config loader (internal/config) for the
// TOML path and in the OPA dependency tree's yaml.v3 for the YAML path.
package dagfile

// TaskDef is one task entry in a DAG definition file, the wire shape that
// gets validated and converted into a dagmodel.Task + dependency list.
type TaskDef struct {
	ID           string         `toml:"id" json:"id" yaml:"id"`
	Title        string         `toml:"title" json:"title" yaml:"title"`
	Deps         []string       `toml:"deps" json:"deps" yaml:"deps"`
	Skill        string         `toml:"skill" json:"skill" yaml:"skill"`
	Priority     string         `toml:"priority" json:"priority" yaml:"priority"`
	Level        LevelDef       `toml:"level" json:"level" yaml:"level"`
	Retry        int            `toml:"retry" json:"retry" yaml:"retry"`
	TimeoutSecs  uint32         `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
	MemoryKeys   []string       `toml:"memory_keys" json:"memory_keys" yaml:"memory_keys"`
	Input        map[string]any `toml:"input" json:"input" yaml:"input"`
}

// LevelDef is a task's decision-tier definition in wire form. Retry here
// is the Mechanical tier's own retry parameter; a task-level `retry` field
// overrides it when both are present.
type LevelDef struct {
	Tier          string   `toml:"tier" json:"tier" yaml:"tier"`
	Retry         int      `toml:"retry" json:"retry" yaml:"retry"`
	DefaultAction string   `toml:"default_action" json:"default_action" yaml:"default_action"`
	TimeoutSecs   uint32   `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
	Stakeholders  []string `toml:"stakeholders" json:"stakeholders" yaml:"stakeholders"`
	Threshold     float64  `toml:"threshold" json:"threshold" yaml:"threshold"`
}

// PolicyDef is the DAG-level success/failure policy in wire form.
type PolicyDef struct {
	Mode             string   `toml:"mode" json:"mode" yaml:"mode"`
	RequireGroup     []string `toml:"require_group" json:"require_group" yaml:"require_group"`
	SkippedAsFailure bool     `toml:"skipped_as_failure" json:"skipped_as_failure" yaml:"skipped_as_failure"`
}

// Definition is the top-level shape of a DAG definition file, identical
// across TOML/JSON/YAML.
type Definition struct {
	Schedule string    `toml:"schedule" json:"schedule" yaml:"schedule"`
	Policy   PolicyDef `toml:"policy" json:"policy" yaml:"policy"`
	Tasks    []TaskDef `toml:"tasks" json:"tasks" yaml:"tasks"`
}
