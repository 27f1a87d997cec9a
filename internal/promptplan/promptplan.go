// Package promptplan builds pure, side-effect-free plans for creating,
// editing, and deleting label-to-prompt rules. Callers apply the resulting
// file operation and config themselves; nothing here touches disk.
package promptplan

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ceedaragents/cyrus/internal/config"
)

// Plan actions.
const (
	ActionCreate = "create"
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

// Plan scopes.
const (
	ScopeGlobal     = "global"
	ScopeRepository = "repository"
)

// File operation types.
const (
	FileOpCreate = "create"
	FileOpUpdate = "update"
	FileOpDelete = "delete"
	FileOpNone   = "none"
)

var (
	ErrEmptyName       = errors.New("prompt name is empty after normalisation")
	ErrBuiltInName     = errors.New("prompt name collides with a built-in template")
	ErrBuiltInContent  = errors.New("built-in template content cannot be replaced")
	ErrBuiltInDelete   = errors.New("built-in templates cannot be deleted")
	ErrPromptExists    = errors.New("a prompt with this name already exists")
	ErrPromptNotFound  = errors.New("no prompt with this name exists")
	ErrFileCollision   = errors.New("prompt file already exists")
	ErrUnknownRepo     = errors.New("repository not found in config")
	ErrContentRequired = errors.New("prompt content is required")
)

// builtInPrompts are the templates shipped with the worker. Their labels can
// be rebound but their content lives in the binary.
var builtInPrompts = map[string]struct{}{
	"debugger":     {},
	"builder":      {},
	"scoper":       {},
	"orchestrator": {},
}

// BuiltIn reports whether name is a shipped template.
func BuiltIn(name string) bool {
	_, ok := builtInPrompts[name]
	return ok
}

// FileOperation describes the single filesystem change a plan requires.
type FileOperation struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
	// NextContent is the full file content after the operation.
	NextContent string `json:"nextContent,omitempty"`
	// PreviousContent lets callers restore the file on rollback.
	PreviousContent string `json:"previousContent,omitempty"`
}

// LabelConflict records a label claimed by another prompt in the same scope.
type LabelConflict struct {
	Label     string `json:"label"`
	ClaimedBy string `json:"claimedBy"`
}

// Plan is the full description of a prompt mutation.
type Plan struct {
	Action     string          `json:"action"`
	Scope      string          `json:"scope"`
	PromptName string          `json:"promptName"`
	Labels     []string        `json:"labels"`
	PromptPath string          `json:"promptPath,omitempty"`
	FileOp     FileOperation   `json:"fileOperation"`
	Warnings   []string        `json:"warnings,omitempty"`
	Conflicts  []LabelConflict `json:"conflicts,omitempty"`
	// NextConfig is the config document after the mutation.
	NextConfig *config.Config `json:"-"`
}

// Request carries the inputs common to all three planners.
type Request struct {
	Scope        string
	RepositoryID string
	// Name is the raw prompt name; it is normalised before use.
	Name   string
	Labels []string
	// Content is the template body. Required on create; optional on edit
	// (empty means labels-only).
	Content    string
	PromptsDir string
	// FileExists answers collision checks without the planner touching
	// disk. Nil means no file exists.
	FileExists func(path string) bool
	// ReadFile supplies previous content for update/delete operations.
	// Nil means previous content is unknown.
	ReadFile func(path string) (string, bool)
}

// NormalizeName lowercases, collapses runs of non-alphanumerics to one dash,
// and strips leading and trailing dashes.
func NormalizeName(raw string) string {
	lower := strings.ToLower(raw)
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range lower {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// BuildCreatePlan plans a new custom prompt.
func BuildCreatePlan(cfg *config.Config, req Request) (*Plan, error) {
	name := NormalizeName(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if BuiltIn(name) {
		return nil, fmt.Errorf("%w: %s", ErrBuiltInName, name)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrContentRequired
	}

	next, rules, repoSlug, err := scopeRules(cfg, req)
	if err != nil {
		return nil, err
	}
	if _, exists := rules[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPromptExists, name)
	}

	labels, warnings := dedupeLabels(req.Labels)
	conflicts := siblingConflicts(name, labels, rules)

	path := promptFilePath(req.PromptsDir, name, repoSlug)
	if req.FileExists != nil && req.FileExists(path) {
		return nil, fmt.Errorf("%w: %s", ErrFileCollision, path)
	}

	rules[name] = config.PromptRule{Labels: labels, PromptPath: path}
	return &Plan{
		Action:     ActionCreate,
		Scope:      req.Scope,
		PromptName: name,
		Labels:     labels,
		PromptPath: path,
		FileOp: FileOperation{
			Type:        FileOpCreate,
			Path:        path,
			NextContent: req.Content,
		},
		Warnings:   warnings,
		Conflicts:  conflicts,
		NextConfig: next,
	}, nil
}

// BuildEditPlan plans a label or content change to an existing prompt.
// Built-in templates accept label edits only.
func BuildEditPlan(cfg *config.Config, req Request) (*Plan, error) {
	name := NormalizeName(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}

	next, rules, _, err := scopeRules(cfg, req)
	if err != nil {
		return nil, err
	}

	existing, exists := rules[name]
	if !exists && !BuiltIn(name) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	builtIn := BuiltIn(name) && existing.PromptPath == ""
	if builtIn && strings.TrimSpace(req.Content) != "" {
		return nil, fmt.Errorf("%w: %s", ErrBuiltInContent, name)
	}

	labels, warnings := dedupeLabels(req.Labels)
	conflicts := siblingConflicts(name, labels, rules)

	rule := existing
	rule.Labels = labels
	rules[name] = rule

	fileOp := FileOperation{Type: FileOpNone}
	if !builtIn && strings.TrimSpace(req.Content) != "" {
		fileOp = FileOperation{
			Type:        FileOpUpdate,
			Path:        existing.PromptPath,
			NextContent: req.Content,
		}
		if req.ReadFile != nil {
			if prev, ok := req.ReadFile(existing.PromptPath); ok {
				fileOp.PreviousContent = prev
			}
		}
	}

	return &Plan{
		Action:     ActionEdit,
		Scope:      req.Scope,
		PromptName: name,
		Labels:     labels,
		PromptPath: existing.PromptPath,
		FileOp:     fileOp,
		Warnings:   warnings,
		Conflicts:  conflicts,
		NextConfig: next,
	}, nil
}

// BuildDeletePlan plans removal of a custom prompt.
func BuildDeletePlan(cfg *config.Config, req Request) (*Plan, error) {
	name := NormalizeName(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if BuiltIn(name) {
		return nil, fmt.Errorf("%w: %s", ErrBuiltInDelete, name)
	}

	next, rules, _, err := scopeRules(cfg, req)
	if err != nil {
		return nil, err
	}
	existing, exists := rules[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	delete(rules, name)

	fileOp := FileOperation{Type: FileOpNone}
	if existing.PromptPath != "" {
		fileOp = FileOperation{Type: FileOpDelete, Path: existing.PromptPath}
		if req.ReadFile != nil {
			if prev, ok := req.ReadFile(existing.PromptPath); ok {
				fileOp.PreviousContent = prev
			}
		}
	}

	return &Plan{
		Action:     ActionDelete,
		Scope:      req.Scope,
		PromptName: name,
		Labels:     existing.Labels,
		PromptPath: existing.PromptPath,
		FileOp:     fileOp,
		NextConfig: next,
	}, nil
}

// scopeRules clones the config and returns the mutable rule map for the
// requested scope, plus the repository slug for file naming.
func scopeRules(cfg *config.Config, req Request) (*config.Config, map[string]config.PromptRule, string, error) {
	next, err := cfg.Clone()
	if err != nil {
		return nil, nil, "", err
	}

	if req.Scope == ScopeRepository {
		for i := range next.Repositories {
			if next.Repositories[i].ID != req.RepositoryID {
				continue
			}
			if next.Repositories[i].LabelPrompts == nil {
				next.Repositories[i].LabelPrompts = make(map[string]config.PromptRule)
			}
			return next, next.Repositories[i].LabelPrompts, NormalizeName(next.Repositories[i].Name), nil
		}
		return nil, nil, "", fmt.Errorf("%w: %s", ErrUnknownRepo, req.RepositoryID)
	}

	if next.LabelPrompts == nil {
		next.LabelPrompts = make(map[string]config.PromptRule)
	}
	return next, next.LabelPrompts, "", nil
}

// dedupeLabels removes case-insensitive duplicates, keeping first spelling,
// and reports each removal as a warning.
func dedupeLabels(labels []string) ([]string, []string) {
	seen := make(map[string]bool, len(labels))
	var out []string
	var warnings []string
	for _, label := range labels {
		key := strings.ToLower(strings.TrimSpace(label))
		if key == "" {
			continue
		}
		if seen[key] {
			warnings = append(warnings, fmt.Sprintf("duplicate label %q removed", label))
			continue
		}
		seen[key] = true
		out = append(out, label)
	}
	return out, warnings
}

// siblingConflicts lists labels already claimed by other prompts in the
// same scope. Conflicts are informational, not errors.
func siblingConflicts(name string, labels []string, rules map[string]config.PromptRule) []LabelConflict {
	var conflicts []LabelConflict
	for _, label := range labels {
		for sibling, rule := range rules {
			if sibling == name {
				continue
			}
			for _, claimed := range rule.Labels {
				if strings.EqualFold(claimed, label) {
					conflicts = append(conflicts, LabelConflict{Label: label, ClaimedBy: sibling})
				}
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Label != conflicts[j].Label {
			return conflicts[i].Label < conflicts[j].Label
		}
		return conflicts[i].ClaimedBy < conflicts[j].ClaimedBy
	})
	return conflicts
}

// promptFilePath builds <promptsDir>/custom-<name>[-<repo-slug>].md.
func promptFilePath(promptsDir, name, repoSlug string) string {
	file := "custom-" + name
	if repoSlug != "" {
		file += "-" + repoSlug
	}
	return filepath.Join(promptsDir, file+".md")
}
