package assignees

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// ContactDirectory finds or creates contacts by (organization, email).
// Satisfied by the store (defined here to avoid an import cycle).
type ContactDirectory interface {
	FindOrCreateContact(ctx context.Context, orgID, email string) (string, error)
}

// AssignmentCounter counts a contact's prior step-execution assignments
// scoped to one template, for round-robin fairness.
type AssignmentCounter interface {
	CountAssignments(ctx context.Context, templateID, contactID string) (int, error)
}

// ResolutionContext carries everything a flow start knows that role
// resolution can draw on.
type ResolutionContext struct {
	OrgID             string
	StarterUserID     string
	ManualAssignments map[string]string // role name -> contact ID, supplied by the coordinator
	KickoffFields     map[string]any
	Variables         map[string]any
	TemplateID        string
}

// Resolver turns role placeholders into concrete assignees. Every role
// resolves independently; a role that cannot resolve yields an empty
// ResolvedAssignee rather than failing the batch.
type Resolver struct {
	contacts ContactDirectory
	counter  AssignmentCounter
	logger   *slog.Logger
}

// New creates a Resolver. A nil logger falls back to slog.Default.
func New(contacts ContactDirectory, counter AssignmentCounter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{contacts: contacts, counter: counter, logger: logger}
}

// ResolveAssignees resolves every role to an assignee. The returned map has
// an entry for every input role; unresolved roles map to the zero value.
func (r *Resolver) ResolveAssignees(ctx context.Context, roles []schema.Role, rc *ResolutionContext) map[string]schema.ResolvedAssignee {
	out := make(map[string]schema.ResolvedAssignee, len(roles))
	for _, role := range roles {
		assignee := r.resolveRole(ctx, role.Name, &role.Resolution, rc)
		if !assignee.Resolved() {
			r.logger.Debug("role left unresolved",
				slog.String("role", role.Name),
				slog.String("strategy", string(role.Resolution.Type)),
			)
		}
		out[role.Name] = assignee
	}
	return out
}

func (r *Resolver) resolveRole(ctx context.Context, roleName string, res *schema.Resolution, rc *ResolutionContext) schema.ResolvedAssignee {
	switch res.Type {
	case schema.ResolutionContactTBD:
		if contactID, ok := rc.ManualAssignments[roleName]; ok && contactID != "" {
			return schema.ResolvedAssignee{ContactID: contactID}
		}
		return schema.ResolvedAssignee{}

	case schema.ResolutionFixedContact:
		return r.resolveFixedContact(ctx, rc.OrgID, res.Email)

	case schema.ResolutionWorkspaceInitializer:
		return schema.ResolvedAssignee{UserID: rc.StarterUserID}

	case schema.ResolutionKickoffFormField:
		return r.resolveFromValue(ctx, rc, rc.KickoffFields[res.FieldKey])

	case schema.ResolutionFlowVariable:
		return r.resolveFromValue(ctx, rc, rc.Variables[res.VariableKey])

	case schema.ResolutionRoundRobin:
		return r.resolveRoundRobin(ctx, rc, res.Emails)

	case schema.ResolutionRules:
		return r.resolveRules(ctx, roleName, res, rc)

	default:
		r.logger.Warn("unknown resolution strategy",
			slog.String("role", roleName),
			slog.String("strategy", string(res.Type)),
		)
		return schema.ResolvedAssignee{}
	}
}

func (r *Resolver) resolveFixedContact(ctx context.Context, orgID, email string) schema.ResolvedAssignee {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return schema.ResolvedAssignee{}
	}
	contactID, err := r.contacts.FindOrCreateContact(ctx, orgID, email)
	if err != nil {
		r.logger.Warn("contact lookup failed",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return schema.ResolvedAssignee{}
	}
	return schema.ResolvedAssignee{ContactID: contactID}
}

// resolveFromValue treats a kickoff field or flow variable as an email when
// it is present and a string; anything else is unresolved.
func (r *Resolver) resolveFromValue(ctx context.Context, rc *ResolutionContext, val any) schema.ResolvedAssignee {
	email, ok := val.(string)
	if !ok || strings.TrimSpace(email) == "" {
		return schema.ResolvedAssignee{}
	}
	return r.resolveFixedContact(ctx, rc.OrgID, email)
}

// resolveRoundRobin balances load across a fixed candidate list: each
// candidate's prior assignment count is read scoped to this template, and
// the strictly lowest count wins. Ties keep the earliest candidate in list
// order, so equal-count candidates are never reordered within one call.
func (r *Resolver) resolveRoundRobin(ctx context.Context, rc *ResolutionContext, emails []string) schema.ResolvedAssignee {
	type candidate struct {
		contactID string
		count     int
	}

	var best *candidate
	for _, email := range emails {
		assignee := r.resolveFixedContact(ctx, rc.OrgID, email)
		if !assignee.Resolved() {
			continue // skip candidates that fail to resolve
		}
		count, err := r.counter.CountAssignments(ctx, rc.TemplateID, assignee.ContactID)
		if err != nil {
			r.logger.Warn("assignment count failed",
				slog.String("contact_id", assignee.ContactID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if best == nil || count < best.count {
			best = &candidate{contactID: assignee.ContactID, count: count}
		}
	}

	if best == nil {
		return schema.ResolvedAssignee{}
	}
	return schema.ResolvedAssignee{ContactID: best.contactID}
}

// resolveRules extracts a single source string, evaluates the rules in
// order, and recursively resolves the first matching rule's target. The
// recursion is closed: only fixed_contact, workspace_initializer, and
// contact_tbd are valid targets; a nested rules resolution yields
// unresolved. No rule matching falls through to the default resolution.
func (r *Resolver) resolveRules(ctx context.Context, roleName string, res *schema.Resolution, rc *ResolutionContext) schema.ResolvedAssignee {
	source := rulesSourceValue(res.Source, rc)

	for _, rule := range res.Rules {
		if !ruleMatches(rule, source) {
			continue
		}
		return r.resolveLeaf(ctx, roleName, rule.Then, rc)
	}

	return r.resolveLeaf(ctx, roleName, res.Default, rc)
}

// rulesSourceValue reads the rule source as a string. Step outputs are
// unavailable at flow start, so a step_output source reads as empty.
func rulesSourceValue(src *schema.RuleSource, rc *ResolutionContext) string {
	if src == nil {
		return ""
	}
	switch src.Kind {
	case schema.RuleSourceKickoffField:
		if s, ok := rc.KickoffFields[src.Key].(string); ok {
			return s
		}
	case schema.RuleSourceFlowVariable:
		if s, ok := rc.Variables[src.Key].(string); ok {
			return s
		}
	case schema.RuleSourceStepOutput:
		return ""
	}
	return ""
}

func ruleMatches(rule schema.AssignmentRule, source string) bool {
	switch rule.Operator {
	case schema.RuleEquals:
		return strings.EqualFold(source, rule.Value)
	case schema.RuleContains:
		return strings.Contains(strings.ToLower(source), strings.ToLower(rule.Value))
	case schema.RuleNotEmpty:
		return strings.TrimSpace(source) != ""
	default:
		return false
	}
}

func (r *Resolver) resolveLeaf(ctx context.Context, roleName string, res *schema.Resolution, rc *ResolutionContext) schema.ResolvedAssignee {
	if res == nil {
		return schema.ResolvedAssignee{}
	}
	switch res.Type {
	case schema.ResolutionFixedContact, schema.ResolutionWorkspaceInitializer, schema.ResolutionContactTBD:
		return r.resolveRole(ctx, roleName, res, rc)
	default:
		r.logger.Warn("unsupported rules target, leaving role unresolved",
			slog.String("role", roleName),
			slog.String("target", string(res.Type)),
		)
		return schema.ResolvedAssignee{}
	}
}
