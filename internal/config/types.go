// Package config implements the persistent configuration document: the
// repositories the edge worker serves, label-to-prompt routing rules, and
// their on-disk JSON representation.
//
// This is distinct from internal/common/config, which holds static process
// settings read from the environment. The document here is mutable at
// runtime, hot-reloaded from disk, and owned by the Manager.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tool policy presets. A prompt rule may name a preset instead of an
// explicit tool list.
const (
	PresetReadOnly    = "readOnly"
	PresetSafe        = "safe"
	PresetAll         = "all"
	PresetCoordinator = "coordinator"
)

// ToolSpec is either a preset tag or an explicit tool list. It serializes as
// a JSON string (preset) or array (explicit list).
type ToolSpec struct {
	Preset string
	Tools  []string
}

// IsZero reports whether neither a preset nor an explicit list is set.
func (t ToolSpec) IsZero() bool {
	return t.Preset == "" && t.Tools == nil
}

// UnmarshalJSON accepts a string (preset) or an array of strings.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*t = ToolSpec{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var preset string
		if err := json.Unmarshal(data, &preset); err != nil {
			return err
		}
		*t = ToolSpec{Preset: preset}
		return nil
	}
	var tools []string
	if err := json.Unmarshal(data, &tools); err != nil {
		return fmt.Errorf("allowedTools must be a preset string or a string array: %w", err)
	}
	*t = ToolSpec{Tools: tools}
	return nil
}

// MarshalJSON writes the preset as a string or the explicit list as an array.
func (t ToolSpec) MarshalJSON() ([]byte, error) {
	if t.Preset != "" {
		return json.Marshal(t.Preset)
	}
	if t.Tools != nil {
		return json.Marshal(t.Tools)
	}
	return []byte("null"), nil
}

// PromptRule binds ticket labels to a prompt template and a tool policy.
type PromptRule struct {
	Labels          []string `json:"labels"`
	AllowedTools    ToolSpec `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	// PromptPath points at a template file, absolute or relative to the
	// prompts directory. Absent for built-in templates.
	PromptPath string `json:"promptPath,omitempty"`
}

// BuiltIn reports whether the rule uses a built-in template.
func (r PromptRule) BuiltIn() bool {
	return r.PromptPath == ""
}

// Repository describes one served code repository and its routing bindings.
type Repository struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	RepositoryPath string `json:"repositoryPath"`
	BaseBranch     string `json:"baseBranch,omitempty"`
	// WorkspaceID identifies the issue-tracker workspace this repository
	// belongs to.
	WorkspaceID   string `json:"issueTrackerWorkspaceId"`
	TokenMaterial string `json:"tokenMaterial"`

	LabelPrompts map[string]PromptRule `json:"labelPrompts,omitempty"`
	AllowedTools ToolSpec              `json:"allowedTools,omitempty"`

	// Routing bindings. Team keys match tracker team identifiers, owners
	// match assignee handles, channels match chat-surface channel ids.
	TeamKeys []string `json:"teamKeys,omitempty"`
	Owners   []string `json:"owners,omitempty"`
	Channels []string `json:"channels,omitempty"`

	// IsActive defaults to true when absent.
	IsActive *bool `json:"isActive,omitempty"`
}

// Active reports whether the repository participates in routing.
func (r Repository) Active() bool {
	return r.IsActive == nil || *r.IsActive
}

// Well-known top-level keys of the configuration document. Everything else
// is preserved verbatim across load/save cycles.
const (
	keyRepositories        = "repositories"
	keyLabelPrompts        = "labelPrompts"
	keyDefaultAllowedTools = "defaultAllowedTools"
)

// Config is the top-level configuration document.
type Config struct {
	Repositories []Repository
	// LabelPrompts holds the global prompt rules consulted when no
	// repository-scoped rule matches.
	LabelPrompts        map[string]PromptRule
	DefaultAllowedTools ToolSpec

	// Extra carries unknown top-level keys so that documents written by
	// newer versions survive a load/save round trip.
	Extra map[string]json.RawMessage
}

// UnmarshalJSON decodes known fields and stashes unknown top-level keys.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Config{}

	if v, ok := raw[keyRepositories]; ok {
		if err := json.Unmarshal(v, &c.Repositories); err != nil {
			return fmt.Errorf("repositories: %w", err)
		}
		delete(raw, keyRepositories)
	}
	if v, ok := raw[keyLabelPrompts]; ok {
		if err := json.Unmarshal(v, &c.LabelPrompts); err != nil {
			return fmt.Errorf("labelPrompts: %w", err)
		}
		delete(raw, keyLabelPrompts)
	}
	if v, ok := raw[keyDefaultAllowedTools]; ok {
		if err := json.Unmarshal(v, &c.DefaultAllowedTools); err != nil {
			return fmt.Errorf("defaultAllowedTools: %w", err)
		}
		delete(raw, keyDefaultAllowedTools)
	}

	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// MarshalJSON writes known fields plus preserved unknown keys. Keys come out
// sorted, so a document saved by the Manager is byte-stable across round
// trips.
func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}

	repos := c.Repositories
	if repos == nil {
		repos = []Repository{}
	}
	reposJSON, err := json.Marshal(repos)
	if err != nil {
		return nil, err
	}
	out[keyRepositories] = reposJSON

	if len(c.LabelPrompts) > 0 {
		v, err := json.Marshal(c.LabelPrompts)
		if err != nil {
			return nil, err
		}
		out[keyLabelPrompts] = v
	}
	if !c.DefaultAllowedTools.IsZero() {
		v, err := json.Marshal(c.DefaultAllowedTools)
		if err != nil {
			return nil, err
		}
		out[keyDefaultAllowedTools] = v
	}

	return json.Marshal(out)
}

// Clone returns a deep copy via a JSON round trip.
func (c *Config) Clone() (*Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to clone config: %w", err)
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone config: %w", err)
	}
	return &clone, nil
}

// FindRepository returns the repository with the given id.
func (c Config) FindRepository(id string) (Repository, bool) {
	for _, repo := range c.Repositories {
		if repo.ID == id {
			return repo, true
		}
	}
	return Repository{}, false
}

// Validate checks the structural rules of the document. All violations are
// collected and joined into a single error.
func (c *Config) Validate() error {
	var errs []string

	seen := make(map[string]bool, len(c.Repositories))
	for i, repo := range c.Repositories {
		if repo.ID == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d]: id is required", i))
		} else if seen[repo.ID] {
			errs = append(errs, fmt.Sprintf("repositories[%d]: duplicate id %q", i, repo.ID))
		} else {
			seen[repo.ID] = true
		}
		if repo.Name == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d]: name is required", i))
		}
		if repo.RepositoryPath == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d]: repositoryPath is required", i))
		}
		if repo.TokenMaterial == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d]: tokenMaterial is required", i))
		}
		if repo.WorkspaceID == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d]: issueTrackerWorkspaceId is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MaskToken obscures all but the last four characters of a secret.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

// Masked returns a copy of the config with token material masked, suitable
// for the admin read surface.
func (c *Config) Masked() (*Config, error) {
	clone, err := c.Clone()
	if err != nil {
		return nil, err
	}
	for i := range clone.Repositories {
		clone.Repositories[i].TokenMaterial = MaskToken(clone.Repositories[i].TokenMaterial)
	}
	return clone, nil
}

// Diff describes the repository-level difference between two configs.
type Diff struct {
	Added    []Repository `json:"added"`
	Removed  []Repository `json:"removed"`
	Modified []Repository `json:"modified"`
	// OtherChanges is true when any top-level field outside repositories
	// differs.
	OtherChanges bool `json:"otherChanges"`
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 && !d.OtherChanges
}

// AddedIDs returns the ids of added repositories, sorted.
func (d Diff) AddedIDs() []string { return repoIDs(d.Added) }

// RemovedIDs returns the ids of removed repositories, sorted.
func (d Diff) RemovedIDs() []string { return repoIDs(d.Removed) }

// ModifiedIDs returns the ids of modified repositories, sorted.
func (d Diff) ModifiedIDs() []string { return repoIDs(d.Modified) }

func repoIDs(repos []Repository) []string {
	ids := make([]string, 0, len(repos))
	for _, r := range repos {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}

// ComputeDiff compares two configs. Repositories are matched by id and
// compared by their JSON encoding.
func ComputeDiff(oldCfg, newCfg *Config) Diff {
	var diff Diff

	oldByID := make(map[string]Repository, len(oldCfg.Repositories))
	for _, repo := range oldCfg.Repositories {
		oldByID[repo.ID] = repo
	}
	newByID := make(map[string]Repository, len(newCfg.Repositories))
	for _, repo := range newCfg.Repositories {
		newByID[repo.ID] = repo
	}

	for _, repo := range newCfg.Repositories {
		prev, ok := oldByID[repo.ID]
		if !ok {
			diff.Added = append(diff.Added, repo)
			continue
		}
		if !sameJSON(prev, repo) {
			diff.Modified = append(diff.Modified, repo)
		}
	}
	for _, repo := range oldCfg.Repositories {
		if _, ok := newByID[repo.ID]; !ok {
			diff.Removed = append(diff.Removed, repo)
		}
	}

	diff.OtherChanges = !sameJSON(withoutRepositories(oldCfg), withoutRepositories(newCfg))
	return diff
}

func withoutRepositories(c *Config) Config {
	stripped := *c
	stripped.Repositories = nil
	return stripped
}

func sameJSON(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
