// Package router classifies inbound events into dispatch intents: which
// repository, which prompt, which tools, and whether to create, prompt, or
// stop a session.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	commoncfg "github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/config"
	"github.com/ceedaragents/cyrus/internal/metrics"
	"github.com/ceedaragents/cyrus/internal/session"
	"github.com/ceedaragents/cyrus/internal/store"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/transport"
)

// Intent actions.
const (
	ActionCreateSession  = "createSession"
	ActionPromptExisting = "promptExisting"
	ActionStopSession    = "stopSession"
	ActionIgnore         = "ignore"
)

// PromptTypeFallback marks sessions routed without a label match.
const PromptTypeFallback = "fallback"

// Prompt match kinds recorded in route metadata.
const (
	PromptMatchLabel    = "label-based"
	PromptMatchFallback = "fallback"
)

// Intent is the router's output: everything the dispatcher needs to act.
type Intent struct {
	Action string
	Event  *transport.InboundEvent

	Repository config.Repository
	// Issue carries the fetched ticket for createSession intents.
	Issue *tracker.Issue

	// SessionID targets an existing session for prompt and stop intents.
	SessionID string

	// PromptType is the matched prompt rule name, or "fallback".
	PromptType string
	// PromptMatch records how the prompt was chosen: label-based or
	// fallback.
	PromptMatch string
	PromptRule  *config.PromptRule

	AllowedTools    []string
	DisallowedTools []string

	// Warnings surface non-fatal routing anomalies (label conflicts).
	Warnings []string
}

// TrackerFactory builds a tracker client for a repository's token.
type TrackerFactory func(tokenMaterial string) tracker.Service

// Router resolves events against the live config and session registry.
type Router struct {
	getConfig  func() *config.Config
	registry   *session.Registry
	trackerFor TrackerFactory
	dedup      *dedupWindow
	logger     *logger.Logger
}

// New creates a router. getConfig returns the live dynamic config snapshot.
func New(getConfig func() *config.Config, registry *session.Registry, trackerFor TrackerFactory, routerCfg commoncfg.RouterConfig, st *store.Store, log *logger.Logger) *Router {
	return &Router{
		getConfig:  getConfig,
		registry:   registry,
		trackerFor: trackerFor,
		dedup:      newDedupWindow(routerCfg.DedupWindowDuration(), st),
		logger:     log.WithFields(zap.String("component", "router")),
	}
}

// Route classifies one event. Ambiguous repository resolution is a fatal
// route error; everything else degrades to an ignore intent.
func (r *Router) Route(ctx context.Context, event *transport.InboundEvent) (*Intent, error) {
	if !r.dedup.Fresh(ctx, event.TransportKind, event.EnvelopeID) {
		metrics.EventsDeduplicated.WithLabelValues(event.TransportKind).Inc()
		r.logger.Debug("dropping duplicate envelope",
			zap.String("transport", event.TransportKind),
			zap.String("envelope_id", event.EnvelopeID))
		return &Intent{Action: ActionIgnore, Event: event}, nil
	}

	repo, err := r.resolveRepository(event)
	if err != nil {
		metrics.RouteErrors.Inc()
		return nil, err
	}
	if repo == nil {
		r.logger.Warn("no repository matches event",
			zap.String("transport", event.TransportKind),
			zap.String("envelope_id", event.EnvelopeID))
		return &Intent{Action: ActionIgnore, Event: event}, nil
	}

	intent := &Intent{Event: event, Repository: *repo}

	issueID, threadID := r.threadIdentity(event)
	live, tracked := r.registry.Lookup(repo.ID, issueID, threadID)
	if tracked && !live.Live() {
		tracked = false
	}

	switch event.Kind {
	case transport.EventNewThread, transport.EventMention:
		if tracked {
			intent.Action = ActionPromptExisting
			intent.SessionID = live.ID
			return intent, nil
		}
		intent.Action = ActionCreateSession

	case transport.EventReply:
		if tracked {
			intent.Action = ActionPromptExisting
			intent.SessionID = live.ID
			return intent, nil
		}
		intent.Action = ActionCreateSession

	case transport.EventUnassign, transport.EventStop:
		if !tracked {
			return &Intent{Action: ActionIgnore, Event: event}, nil
		}
		intent.Action = ActionStopSession
		intent.SessionID = live.ID
		return intent, nil

	default:
		return &Intent{Action: ActionIgnore, Event: event}, nil
	}

	// createSession needs the ticket, the prompt, and the tool policy.
	if event.Issue != nil && event.Issue.IssueID != "" {
		svc := r.trackerFor(repo.TokenMaterial)
		issue, err := svc.GetIssue(ctx, event.Issue.IssueID)
		if err != nil {
			r.logger.Warn("failed to fetch issue for routing",
				zap.String("issue_id", event.Issue.IssueID), zap.Error(err))
		} else {
			intent.Issue = issue
		}
	}

	cfg := r.getConfig()
	var labels []string
	if intent.Issue != nil {
		labels = intent.Issue.Labels
	}
	name, rule, warnings := matchPrompt(labels, repo, cfg.LabelPrompts)
	intent.PromptType = name
	intent.PromptRule = rule
	intent.PromptMatch = PromptMatchFallback
	if rule != nil {
		intent.PromptMatch = PromptMatchLabel
	}
	intent.Warnings = warnings
	intent.AllowedTools, intent.DisallowedTools = ResolveTools(rule, repo, cfg.DefaultAllowedTools)
	return intent, nil
}

// resolveRepository matches by team key, owner, or channel binding. More
// than one active match is fatal.
func (r *Router) resolveRepository(event *transport.InboundEvent) (*config.Repository, error) {
	cfg := r.getConfig()

	var matched []config.Repository
	for _, repo := range cfg.Repositories {
		if !repo.Active() {
			continue
		}
		if r.repositoryMatches(&repo, event) {
			matched = append(matched, repo)
		}
	}

	switch len(matched) {
	case 0:
		return nil, nil
	case 1:
		repo := matched[0]
		return &repo, nil
	default:
		ids := make([]string, len(matched))
		for i, repo := range matched {
			ids[i] = repo.ID
		}
		return nil, fmt.Errorf("ambiguous route: repositories %s all match envelope %s",
			strings.Join(ids, ", "), event.EnvelopeID)
	}
}

func (r *Router) repositoryMatches(repo *config.Repository, event *transport.InboundEvent) bool {
	if event.Issue != nil {
		if event.Issue.WorkspaceID != "" && repo.WorkspaceID != "" &&
			event.Issue.WorkspaceID != repo.WorkspaceID {
			return false
		}
		if event.Issue.TeamKey != "" {
			return containsFold(repo.TeamKeys, event.Issue.TeamKey) || len(repo.TeamKeys) == 0
		}
	}
	if event.Surface.ChannelID != "" && containsFold(repo.Channels, event.Surface.ChannelID) {
		return true
	}
	if event.AuthorID != "" && containsFold(repo.Owners, event.AuthorID) {
		return true
	}
	// Tracker events with no team restriction fall through to workspace
	// matching above.
	return event.Issue != nil && len(repo.TeamKeys) == 0
}

// threadIdentity picks the registry lookup key for the event's surface.
func (r *Router) threadIdentity(event *transport.InboundEvent) (issueID, threadID string) {
	if event.Issue != nil {
		issueID = event.Issue.IssueID
	}
	threadID = event.Surface.ThreadID
	return issueID, threadID
}

// matchPrompt picks the prompt rule for the ticket's labels. Repository
// rules win over global ones; among matches, fewer labels is more specific;
// remaining ties break lexically. A label claimed by several rules in one
// scope is surfaced as a warning.
func matchPrompt(labels []string, repo *config.Repository, global map[string]config.PromptRule) (string, *config.PromptRule, []string) {
	var warnings []string

	if name, rule, w := matchScope(labels, repo.LabelPrompts); rule != nil {
		return name, rule, append(warnings, w...)
	} else {
		warnings = append(warnings, w...)
	}
	if name, rule, w := matchScope(labels, global); rule != nil {
		return name, rule, append(warnings, w...)
	} else {
		warnings = append(warnings, w...)
	}
	return PromptTypeFallback, nil, warnings
}

func matchScope(labels []string, rules map[string]config.PromptRule) (string, *config.PromptRule, []string) {
	type match struct {
		name string
		rule config.PromptRule
	}
	var matches []match
	claimed := make(map[string][]string) // lowercase label -> rule names

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule := rules[name]
		for _, ruleLabel := range rule.Labels {
			claimed[strings.ToLower(ruleLabel)] = append(claimed[strings.ToLower(ruleLabel)], name)
		}
		if labelsMatch(labels, rule.Labels) {
			matches = append(matches, match{name, rule})
		}
	}

	var warnings []string
	for label, owners := range claimed {
		if len(owners) > 1 {
			sort.Strings(owners)
			warnings = append(warnings, fmt.Sprintf(
				"label %q is claimed by prompts %s", label, strings.Join(owners, ", ")))
		}
	}
	sort.Strings(warnings)

	if len(matches) == 0 {
		return "", nil, warnings
	}

	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i].rule.Labels) != len(matches[j].rule.Labels) {
			return len(matches[i].rule.Labels) < len(matches[j].rule.Labels)
		}
		return matches[i].name < matches[j].name
	})
	winner := matches[0]
	return winner.name, &winner.rule, warnings
}

// labelsMatch reports whether any of the ticket's labels appears in the
// rule's label list, case-insensitively.
func labelsMatch(ticketLabels, ruleLabels []string) bool {
	for _, ticketLabel := range ticketLabels {
		if containsFold(ruleLabels, ticketLabel) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, v := range haystack {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}
