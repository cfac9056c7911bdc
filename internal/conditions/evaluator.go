package conditions

import (
	"log/slog"
	"strings"

	"github.com/spf13/cast"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/tokens"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// Evaluator evaluates branch conditions against a resolved runtime context.
// Evaluation never fails: malformed conditions degrade to false so a single
// bad workflow definition cannot crash flow routing.
type Evaluator struct {
	logger *slog.Logger
}

// New creates an Evaluator. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate resolves the condition's source through the token resolver (a
// source without token markers is a literal) and applies the operator. A nil
// condition is unconditionally true - it marks the default path.
func (e *Evaluator) Evaluate(cond *schema.Condition, ctx *tokens.Context) bool {
	if cond == nil {
		return true
	}

	source := cond.Source
	if tokens.HasTokens(source) {
		source = tokens.Resolve(source, ctx)
	}

	// Absent value normalizes to empty string; no operator short-circuits
	// on a missing value.
	value := cond.Value

	switch cond.Operator {
	case schema.OperatorEquals:
		return strings.EqualFold(source, value)
	case schema.OperatorNotEquals:
		return !strings.EqualFold(source, value)
	case schema.OperatorContains:
		return strings.Contains(strings.ToLower(source), strings.ToLower(value))
	case schema.OperatorNotContains:
		return !strings.Contains(strings.ToLower(source), strings.ToLower(value))
	case schema.OperatorGreaterThan:
		a, b, ok := parseBoth(source, value)
		return ok && a > b
	case schema.OperatorLessThan:
		a, b, ok := parseBoth(source, value)
		return ok && a < b
	case schema.OperatorIsEmpty:
		return strings.TrimSpace(source) == ""
	case schema.OperatorNotEmpty:
		return strings.TrimSpace(source) != ""
	case schema.OperatorIn:
		return inList(source, value)
	case schema.OperatorNotIn:
		return !inList(source, value)
	default:
		e.logger.Warn("unknown condition operator, evaluating to false",
			slog.String("operator", string(cond.Operator)),
			slog.String("source", cond.Source),
		)
		return false
	}
}

// parseBoth parses both comparison sides as numbers. Either side failing to
// parse makes the comparison false.
func parseBoth(source, value string) (float64, float64, bool) {
	a, err := cast.ToFloat64E(strings.TrimSpace(source))
	if err != nil {
		return 0, 0, false
	}
	b, err := cast.ToFloat64E(strings.TrimSpace(value))
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

// inList tests membership of source in a comma-separated value list, each
// entry trimmed and compared case-insensitively.
func inList(source, value string) bool {
	needle := strings.ToLower(strings.TrimSpace(source))
	for _, entry := range strings.Split(value, ",") {
		if strings.ToLower(strings.TrimSpace(entry)) == needle {
			return true
		}
	}
	return false
}

// SelectPath picks the branch path an instance follows: paths are evaluated
// in declaration order and the first whose condition holds wins; a path with
// no condition always matches. Returns nil when nothing matches - the caller
// decides whether to stall, error, or skip.
func (e *Evaluator) SelectPath(paths []schema.BranchPath, ctx *tokens.Context) *schema.BranchPath {
	for i := range paths {
		if e.Evaluate(paths[i].Condition, ctx) {
			return &paths[i]
		}
	}
	return nil
}
