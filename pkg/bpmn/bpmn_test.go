package bpmn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-dev/engine/pkg/models"
)

func fixture(t *testing.T, name string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)

	return data
}

func issueCodes(result *ValidationResult) []string {
	codes := make([]string, 0, len(result.Issues))
	for _, issue := range result.Issues {
		codes = append(codes, issue.Code)
	}

	return codes
}

func nodeByID(t *testing.T, def *models.ProcessDefinition, id string) *models.Node {
	t.Helper()

	node, ok := def.NodeByID(id)
	require.True(t, ok, "node %q not found", id)

	return node
}

func TestValidate_Fixture(t *testing.T) {
	result := Validate(fixture(t, "expense-approval.bpmn"))

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors())
	assert.Equal(t, 1, result.ElementCounts["startEvent"])
	assert.Equal(t, 2, result.ElementCounts["endEvent"])
	assert.Equal(t, 1, result.ElementCounts["userTask"])
	assert.Equal(t, 1, result.ElementCounts["serviceTask"])
	assert.Equal(t, 1, result.ElementCounts["boundaryEvent"])
}

func TestValidate_MalformedXML(t *testing.T) {
	result := Validate([]byte("<bpmn:definitions><bpmn:process"))

	assert.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "XML_PARSE_ERROR", result.Issues[0].Code)
	assert.Equal(t, LevelWellFormed, result.Issues[0].Level)
}

func TestValidate_NoProcess(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs"/>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result), "NO_PROCESS")
}

func TestValidate_MissingStartAndEnd(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:userTask id="review">
      <bpmn:extensionElements/>
    </bpmn:userTask>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	codes := issueCodes(result)
	assert.Contains(t, codes, "NO_START_EVENT")
	assert.Contains(t, codes, "NO_END_EVENT")
	assert.Contains(t, codes, "ORPHAN_ELEMENT")
}

func TestValidate_DuplicateID(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:endEvent id="start"/>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result), "DUPLICATE_ID")
}

func TestValidate_DanglingFlowTarget(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:endEvent id="done"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="nowhere"/>
    <bpmn:sequenceFlow id="f2" sourceRef="start" targetRef="done"/>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result), "INVALID_TARGET_REF")
}

func TestValidate_ExclusiveGatewayConditions(t *testing.T) {
	// Two unconditioned outgoing flows with no explicit default leave the
	// routing ambiguous; one alone serves as the implicit default.
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:exclusiveGateway id="route"/>
    <bpmn:endEvent id="a"/>
    <bpmn:endEvent id="b"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="route"/>
    <bpmn:sequenceFlow id="f2" sourceRef="route" targetRef="a"/>
    <bpmn:sequenceFlow id="f3" sourceRef="route" targetRef="b"/>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.Contains(t, issueCodes(result), "MISSING_CONDITION")
}

func TestValidate_ServiceTaskWithoutAgent(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="work"/>
    <bpmn:endEvent id="done"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
    <bpmn:sequenceFlow id="f2" sourceRef="work" targetRef="done"/>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result), "SERVICE_TASK_NO_CONFIG")
}

func TestValidate_TimerWithoutDefinition(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:intermediateCatchEvent id="wait">
      <bpmn:timerEventDefinition/>
    </bpmn:intermediateCatchEvent>
    <bpmn:endEvent id="done"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="wait"/>
    <bpmn:sequenceFlow id="f2" sourceRef="wait" targetRef="done"/>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result), "TIMER_NO_DEFINITION")
}

func TestValidate_UnreachableEndEvent(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:endEvent id="done"/>
    <bpmn:endEvent id="island"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="done"/>
  </bpmn:process>
</bpmn:definitions>`

	result := Validate([]byte(doc))

	assert.False(t, result.Valid)
	assert.Contains(t, issueCodes(result), "UNREACHABLE_END_EVENT")
}

func TestIngest_InvalidNeverConverts(t *testing.T) {
	def, result, err := Ingest([]byte("<not-bpmn/>"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Nil(t, def)
	require.NotNil(t, result)
	assert.False(t, result.Valid)
}

func TestIngest_Fixture(t *testing.T) {
	def, result, err := Ingest(fixture(t, "expense-approval.bpmn"))

	require.NoError(t, err)
	require.NotNil(t, def)
	assert.True(t, result.Valid)

	assert.Equal(t, "expense-approval", def.ID)
	assert.Equal(t, "Expense Approval", def.Name)
	assert.Equal(t, "bpmn", def.SourceFormat)
	assert.Len(t, def.Nodes, 9)
	assert.Len(t, def.Edges, 8)
}

func TestIngest_Variables(t *testing.T) {
	def, _, err := Ingest(fixture(t, "expense-approval.bpmn"))
	require.NoError(t, err)

	byName := map[string]models.VariableDeclaration{}
	for _, decl := range def.Variables {
		byName[decl.Name] = decl
	}

	amount := byName["amount"]
	assert.Equal(t, models.VariableTypeNumber, amount.Type)
	assert.True(t, amount.Required)
	assert.True(t, amount.IsInput)
	require.NotNil(t, amount.Constraints)
	require.NotNil(t, amount.Constraints.Min)
	assert.Equal(t, 0.0, *amount.Constraints.Min)

	category := byName["category"]
	require.NotNil(t, category.Constraints)
	assert.Len(t, category.Constraints.Enum, 6)
	assert.Contains(t, category.Constraints.Enum, "travel")

	assert.True(t, byName["submitter"].Immutable)

	approved := byName["approved"]
	assert.Equal(t, models.VariableTypeBoolean, approved.Type)
	assert.Equal(t, false, approved.Default)

	// Quoted defaults decode as JSON strings.
	assert.Equal(t, "auto", byName["approval_level"].Default)
}

func TestIngest_TaskNodes(t *testing.T) {
	def, _, err := Ingest(fixture(t, "expense-approval.bpmn"))
	require.NoError(t, err)

	script := nodeByID(t, def, "validate-expense")
	assert.Equal(t, models.NodeTypeScriptTask, script.Type)
	assert.Equal(t, "expense-validator", script.FunctionRef)
	require.NotNil(t, script.Retry)
	assert.Equal(t, 3, script.Retry.MaximumAttempts)
	assert.Equal(t, time.Second, script.Retry.InitialInterval)
	assert.Equal(t, 30*time.Second, script.Retry.MaximumInterval)
	assert.Equal(t, 2.0, script.Retry.Coefficient)
	assert.Equal(t, "{{ .variables.amount }}", script.InputMapping["expense"])
	assert.Equal(t, "result.approval_level", script.OutputMapping["approval_level"])

	user := nodeByID(t, def, "manager-approval")
	assert.Equal(t, models.NodeTypeUserTask, user.Type)
	require.NotNil(t, user.Task)
	assert.Equal(t, "manager", user.Task.Assignee)
	assert.Equal(t, []string{"finance", "managers"}, user.Task.CandidateGroups)
	assert.Equal(t, "manager-decision", user.Task.SignalName)
	assert.Equal(t, "payload.approved", user.OutputMapping["approved"])

	service := nodeByID(t, def, "audit-expense")
	require.NotNil(t, service.Agent)
	assert.Equal(t, "classifier", service.Agent.AgentType)
	assert.Equal(t, "small", service.Agent.Model)

	send := nodeByID(t, def, "notify-submitter")
	assert.Equal(t, "smtp.internal", send.Config["host"])
	assert.Equal(t, float64(587), send.Config["port"])
	assert.Equal(t, "{{ .variables.submitter }}", send.Config["to"])
}

func TestIngest_BoundaryAndEdges(t *testing.T) {
	def, _, err := Ingest(fixture(t, "expense-approval.bpmn"))
	require.NoError(t, err)

	boundary := nodeByID(t, def, "approval-timeout")
	assert.Equal(t, models.NodeTypeBoundaryEvent, boundary.Type)
	assert.Equal(t, "manager-approval", boundary.AttachedTo)
	assert.True(t, boundary.CancelActivity)
	assert.Equal(t, models.EventTriggerTimer, boundary.Trigger)
	require.NotNil(t, boundary.Timer)
	assert.Equal(t, "P3D", boundary.Timer.Duration)

	edges := map[string]models.Edge{}
	for _, edge := range def.Edges {
		edges[edge.ID] = edge
	}

	assert.Equal(t, `approval_level != "auto"`, edges["f3"].Guard)
	assert.True(t, edges["f4"].IsDefault)
	assert.False(t, edges["f3"].IsDefault)
}

func TestCancelActivityDefaultsToInterrupting(t *testing.T) {
	doc := `<?xml version="1.0"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL" id="defs">
  <bpmn:process id="p1">
    <bpmn:startEvent id="start"/>
    <bpmn:userTask id="review">
      <bpmn:extensionElements/>
    </bpmn:userTask>
    <bpmn:boundaryEvent id="reminder" attachedToRef="review" cancelActivity="false">
      <bpmn:timerEventDefinition>
        <bpmn:timeDuration>PT1H</bpmn:timeDuration>
      </bpmn:timerEventDefinition>
    </bpmn:boundaryEvent>
    <bpmn:boundaryEvent id="deadline" attachedToRef="review">
      <bpmn:timerEventDefinition>
        <bpmn:timeDuration>P1D</bpmn:timeDuration>
      </bpmn:timerEventDefinition>
    </bpmn:boundaryEvent>
    <bpmn:endEvent id="done"/>
    <bpmn:endEvent id="escalated"/>
    <bpmn:sequenceFlow id="f1" sourceRef="start" targetRef="review"/>
    <bpmn:sequenceFlow id="f2" sourceRef="review" targetRef="done"/>
    <bpmn:sequenceFlow id="f3" sourceRef="deadline" targetRef="escalated"/>
  </bpmn:process>
</bpmn:definitions>`

	def, _, err := Ingest([]byte(doc))
	require.NoError(t, err)

	assert.False(t, nodeByID(t, def, "reminder").CancelActivity)
	assert.True(t, nodeByID(t, def, "deadline").CancelActivity)
}

func TestParseTimeoutFormats(t *testing.T) {
	assert.Equal(t, 10*time.Minute, parseTimeout("PT10M"))
	assert.Equal(t, 90*time.Second, parseTimeout("90s"))
	assert.Equal(t, time.Duration(0), parseTimeout(""))
	assert.Equal(t, time.Duration(0), parseTimeout("soon"))
}
