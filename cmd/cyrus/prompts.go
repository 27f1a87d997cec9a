package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/promptplan"
)

func newPromptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Manage label-routed prompt templates",
	}
	cmd.AddCommand(newPromptsCreateCmd(), newPromptsEditCmd(), newPromptsDeleteCmd())
	return cmd
}

// promptFrontMatter is the optional YAML header of a template file. Flags
// override anything declared here.
type promptFrontMatter struct {
	Name   string   `yaml:"name"`
	Labels []string `yaml:"labels"`
}

// splitFrontMatter peels a leading "---" YAML block off a template body.
func splitFrontMatter(raw string) (promptFrontMatter, string, error) {
	var fm promptFrontMatter
	if !strings.HasPrefix(raw, "---\n") {
		return fm, raw, nil
	}
	rest := raw[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, raw, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, "", fmt.Errorf("invalid front matter: %w", err)
	}
	body := rest[end+len("\n---"):]
	return fm, strings.TrimPrefix(strings.TrimPrefix(body, "\n"), "\n"), nil
}

func newPromptsCreateCmd() *cobra.Command {
	var labels []string
	var file, repository string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a custom prompt bound to ticket labels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return runPromptsMutation(cmd.Context(), configDir, promptplan.ActionCreate, name, labels, file, repository)
		},
	}
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "ticket labels routed to this prompt")
	cmd.Flags().StringVar(&file, "file", "", "template file (may carry YAML front matter)")
	cmd.Flags().StringVar(&repository, "repository", "", "scope the prompt to one repository")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newPromptsEditCmd() *cobra.Command {
	var labels []string
	var file, repository string
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Rebind labels or replace the template of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			return runPromptsMutation(cmd.Context(), configDir, promptplan.ActionEdit, args[0], labels, file, repository)
		},
	}
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "new label binding")
	cmd.Flags().StringVar(&file, "file", "", "replacement template file")
	cmd.Flags().StringVar(&repository, "repository", "", "repository scope of the prompt")
	return cmd
}

func newPromptsDeleteCmd() *cobra.Command {
	var repository string
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a custom prompt and its template file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, _ := cmd.Flags().GetString("config")
			return runPromptsMutation(cmd.Context(), configDir, promptplan.ActionDelete, args[0], nil, "", repository)
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "repository scope of the prompt")
	return cmd
}

func runPromptsMutation(ctx context.Context, configDir, action, name string, labels []string, file, repository string) error {
	manager, cfg, err := openManager(configDir)
	if err != nil {
		return err
	}

	content := ""
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return usageErr("could not read template: %v", err)
		}
		fm, body, err := splitFrontMatter(string(raw))
		if err != nil {
			return usageErr("%v", err)
		}
		content = body
		if name == "" {
			name = fm.Name
		}
		if len(labels) == 0 {
			labels = fm.Labels
		}
	}
	if name == "" {
		return usageErr("a prompt name is required, as an argument or front matter")
	}

	scope := promptplan.ScopeGlobal
	if repository != "" {
		scope = promptplan.ScopeRepository
	}
	req := promptplan.Request{
		Scope:        scope,
		RepositoryID: repository,
		Name:         name,
		Labels:       labels,
		Content:      content,
		PromptsDir:   promptsDir(cfg),
		FileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		ReadFile: func(path string) (string, bool) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", false
			}
			return string(data), true
		},
	}

	active := manager.Get()
	var plan *promptplan.Plan
	switch action {
	case promptplan.ActionCreate:
		plan, err = promptplan.BuildCreatePlan(&active, req)
	case promptplan.ActionEdit:
		plan, err = promptplan.BuildEditPlan(&active, req)
	case promptplan.ActionDelete:
		plan, err = promptplan.BuildDeletePlan(&active, req)
	}
	if err != nil {
		return usageErr("%v", err)
	}

	if err := applyFileOp(plan.FileOp); err != nil {
		return err
	}
	if err := persistConfig(ctx, manager, plan.NextConfig); err != nil {
		// Restore the file so config and disk stay consistent.
		revertFileOp(plan.FileOp)
		return err
	}

	for _, warning := range plan.Warnings {
		fmt.Println("Warning: " + warning)
	}
	for _, conflict := range plan.Conflicts {
		fmt.Printf("Warning: label %q is also claimed by prompt %q\n", conflict.Label, conflict.ClaimedBy)
	}
	fmt.Printf("Prompt %q %s.\n", plan.PromptName, pastTense(plan.Action))
	return nil
}

func pastTense(action string) string {
	if strings.HasSuffix(action, "e") {
		return action + "d"
	}
	return action + "ed"
}

func applyFileOp(op promptplan.FileOperation) error {
	switch op.Type {
	case promptplan.FileOpCreate, promptplan.FileOpUpdate:
		if err := os.MkdirAll(filepath.Dir(op.Path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(op.Path, []byte(op.NextContent), 0o644)
	case promptplan.FileOpDelete:
		if err := os.Remove(op.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func revertFileOp(op promptplan.FileOperation) {
	switch op.Type {
	case promptplan.FileOpCreate:
		_ = os.Remove(op.Path)
	case promptplan.FileOpUpdate, promptplan.FileOpDelete:
		if op.PreviousContent != "" {
			_ = os.WriteFile(op.Path, []byte(op.PreviousContent), 0o644)
		}
	}
}

// persistConfig writes the planned document through the manager so change
// handlers and backups run as usual.
func persistConfig(ctx context.Context, manager *config.Manager, next *config.Config) error {
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(data, &partial); err != nil {
		return err
	}
	return manager.Update(ctx, partial)
}

func promptsDir(cfg *commoncfg.Config) string {
	if dir := os.Getenv("CYRUS_PROMPTS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(cfg.Home, "prompts")
}
