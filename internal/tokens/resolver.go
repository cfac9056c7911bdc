package tokens

import (
	"strings"

	"github.com/spf13/cast"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Context is the runtime snapshot a token resolves against. All lookups are
// read-only; the resolver never mutates the context.
type Context struct {
	KickoffFields   map[string]any            // kickoff-form field key -> value
	RoleAssignments map[string]string         // role name -> assignee display value
	StepOutputs     map[string]map[string]any // step name or ID -> output fields
	WorkspaceName   string
	WorkspaceID     string
}

// Resolve substitutes every {{...}} token in text with its runtime value.
// Tokens reference one of four namespaces:
//
//	{{kickoff.<fieldKey>}}        kickoff-form answer
//	{{role.<roleName>}}           resolved role assignment
//	{{steps.<step>.<field>}}      a completed step's output field
//	{{workspace.name}} / {{workspace.id}}
//
// Unknown tokens resolve to the empty string; non-token text passes through
// unchanged. Resolution is single-pass: resolved values are not re-scanned,
// so a value containing {{...}} cannot trigger another substitution.
func Resolve(text string, ctx *Context) string {
	if !strings.Contains(text, openMarker) {
		return text
	}

	var out strings.Builder
	out.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], openMarker)
		if idx == -1 {
			out.WriteString(text[i:])
			break
		}

		out.WriteString(text[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(text[start:], closeMarker)
		if end == -1 {
			// Unclosed marker: keep the remainder verbatim.
			out.WriteString(text[i+idx:])
			break
		}
		end += start

		ref := strings.TrimSpace(text[start:end])
		out.WriteString(resolveRef(ref, ctx))

		i = end + len(closeMarker)
	}

	return out.String()
}

// HasTokens reports whether text contains any {{...}} reference.
func HasTokens(text string) bool {
	open := strings.Index(text, openMarker)
	if open == -1 {
		return false
	}
	return strings.Contains(text[open:], closeMarker)
}

// resolveRef resolves a single namespaced reference. Anything unknown or
// missing yields the empty string.
func resolveRef(ref string, ctx *Context) string {
	if ctx == nil || ref == "" {
		return ""
	}

	parts := strings.SplitN(ref, ".", 2)
	namespace := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch namespace {
	case "kickoff":
		if rest == "" {
			return ""
		}
		val, ok := ctx.KickoffFields[rest]
		if !ok {
			return ""
		}
		return cast.ToString(val)
	case "role":
		return ctx.RoleAssignments[rest]
	case "steps":
		return resolveStepRef(rest, ctx)
	case "workspace":
		switch rest {
		case "name":
			return ctx.WorkspaceName
		case "id":
			return ctx.WorkspaceID
		}
		return ""
	default:
		return ""
	}
}

// resolveStepRef resolves steps.<stepNameOrID>.<field>. Output maps are
// keyed by both step name and step ID, so either form works.
func resolveStepRef(rest string, ctx *Context) string {
	if ctx.StepOutputs == nil {
		return ""
	}

	// Direct key first: step names may contain dots.
	lastDot := strings.LastIndex(rest, ".")
	if lastDot <= 0 || lastDot == len(rest)-1 {
		return ""
	}
	stepKey := rest[:lastDot]
	field := rest[lastDot+1:]

	output, ok := ctx.StepOutputs[stepKey]
	if !ok {
		// Fall back to splitting on the first dot for IDs without dots.
		parts := strings.SplitN(rest, ".", 2)
		output, ok = ctx.StepOutputs[parts[0]]
		if !ok || len(parts) < 2 {
			return ""
		}
		field = parts[1]
	}

	val, ok := output[field]
	if !ok {
		return ""
	}
	return cast.ToString(val)
}
