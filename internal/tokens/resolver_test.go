package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testContext() *Context {
	return &Context{
		KickoffFields: map[string]any{
			"country":  "USA",
			"headcount": 12,
		},
		RoleAssignments: map[string]string{
			"Reviewer": "dana@acme.test",
		},
		StepOutputs: map[string]map[string]any{
			"Collect Docs": {"status": "done", "count": 3},
			"step-9":       {"approved": true},
		},
		WorkspaceName: "Acme",
		WorkspaceID:   "ws-1",
	}
}

func TestResolve_PlainTextUnchanged(t *testing.T) {
	assert.Equal(t, "plain text", Resolve("plain text", testContext()))
}

func TestResolve_KickoffField(t *testing.T) {
	got := Resolve("Country: {{kickoff.country}}", testContext())
	assert.Equal(t, "Country: USA", got)
}

func TestResolve_NonStringValueStringified(t *testing.T) {
	got := Resolve("{{kickoff.headcount}} people", testContext())
	assert.Equal(t, "12 people", got)
}

func TestResolve_RoleAssignment(t *testing.T) {
	got := Resolve("assigned to {{role.Reviewer}}", testContext())
	assert.Equal(t, "assigned to dana@acme.test", got)
}

func TestResolve_StepOutputByName(t *testing.T) {
	got := Resolve("{{steps.Collect Docs.status}}", testContext())
	assert.Equal(t, "done", got)
}

func TestResolve_StepOutputByID(t *testing.T) {
	got := Resolve("{{steps.step-9.approved}}", testContext())
	assert.Equal(t, "true", got)
}

func TestResolve_Workspace(t *testing.T) {
	got := Resolve("{{workspace.name}} ({{workspace.id}})", testContext())
	assert.Equal(t, "Acme (ws-1)", got)
}

func TestResolve_MissingTokenYieldsEmpty(t *testing.T) {
	assert.Equal(t, "value: ", Resolve("value: {{kickoff.missing}}", testContext()))
	assert.Equal(t, "", Resolve("{{steps.nope.field}}", testContext()))
	assert.Equal(t, "", Resolve("{{bogus.namespace}}", testContext()))
}

func TestResolve_NilContext(t *testing.T) {
	assert.Equal(t, "x  y", Resolve("x {{kickoff.country}} y", nil))
}

func TestResolve_UnclosedMarkerKeptVerbatim(t *testing.T) {
	got := Resolve("before {{kickoff.country", testContext())
	assert.Equal(t, "before {{kickoff.country", got)
}

func TestResolve_SinglePassNoRecursion(t *testing.T) {
	ctx := testContext()
	ctx.KickoffFields["nested"] = "{{kickoff.country}}"
	// The resolved value contains a token but must not be re-scanned.
	got := Resolve("{{kickoff.nested}}", ctx)
	assert.Equal(t, "{{kickoff.country}}", got)
}

func TestResolve_MultipleTokens(t *testing.T) {
	got := Resolve("{{kickoff.country}}/{{role.Reviewer}}/{{workspace.name}}", testContext())
	assert.Equal(t, "USA/dana@acme.test/Acme", got)
}

func TestHasTokens(t *testing.T) {
	assert.True(t, HasTokens("{{kickoff.country}}"))
	assert.True(t, HasTokens("x {{role.R}} y"))
	assert.False(t, HasTokens("plain"))
	assert.False(t, HasTokens("{{unclosed"))
}
