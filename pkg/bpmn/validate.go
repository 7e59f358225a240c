package bpmn

import (
	"fmt"
	"regexp"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Validation levels, from XML well-formedness up to platform rules.
const (
	LevelWellFormed   = 1
	LevelSchema       = 2
	LevelStructure    = 3
	LevelConnectivity = 4
	LevelPlatform     = 5
)

// ValidationIssue is one finding of the multi-level validator.
type ValidationIssue struct {
	Level       int      `json:"level"`
	Severity    Severity `json:"severity"`
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	ElementID   string   `json:"element_id,omitempty"`
	ElementType string   `json:"element_type,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// ValidationResult aggregates all findings. A definition with any error
// never deploys, not even partially.
type ValidationResult struct {
	Valid         bool              `json:"valid"`
	Issues        []ValidationIssue `json:"issues"`
	ElementCounts map[string]int    `json:"element_counts,omitempty"`
}

func (r *ValidationResult) add(issue ValidationIssue) {
	r.Issues = append(r.Issues, issue)

	if issue.Severity == SeverityError {
		r.Valid = false
	}
}

// Errors returns only the error-severity issues.
func (r *ValidationResult) Errors() []ValidationIssue {
	var out []ValidationIssue

	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}

	return out
}

var idPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// flatElement is one indexed flow element, flattened across subprocess
// nesting for id and connectivity checks.
type flatElement struct {
	ID   string
	Name string
	Kind string // BPMN local name, e.g. "serviceTask"

	Extensions *xmlExtensions
	Timer      *xmlTimerDefinition
	HasTimer   bool // a timerEventDefinition child exists, possibly empty
	CalledElem string
	AttachedTo string
}

type flatFlow struct {
	ID        string
	SourceRef string
	TargetRef string
	IsDefault bool
	Condition string
}

type index struct {
	elements []flatElement
	flows    []flatFlow
	byID     map[string]*flatElement
}

func buildIndex(doc *xmlDefinitions) *index {
	idx := &index{byID: make(map[string]*flatElement)}

	for i := range doc.Processes {
		idx.collect(&doc.Processes[i].xmlFlowContainer)
	}

	for i := range idx.elements {
		el := &idx.elements[i]
		if _, seen := idx.byID[el.ID]; !seen {
			idx.byID[el.ID] = el
		}
	}

	return idx
}

func (idx *index) collect(c *xmlFlowContainer) {
	for _, ev := range c.StartEvents {
		idx.addEvent(ev, "startEvent")
	}

	for _, ev := range c.EndEvents {
		idx.addEvent(ev, "endEvent")
	}

	for _, ev := range c.CatchEvents {
		idx.addEvent(ev, "intermediateCatchEvent")
	}

	for _, task := range c.ServiceTasks {
		idx.addTask(task, "serviceTask")
	}

	for _, task := range c.UserTasks {
		idx.addTask(task, "userTask")
	}

	for _, task := range c.ScriptTasks {
		idx.addTask(task, "scriptTask")
	}

	for _, task := range c.SendTasks {
		idx.addTask(task, "sendTask")
	}

	for _, gw := range c.ExclusiveGateways {
		idx.elements = append(idx.elements, flatElement{ID: gw.ID, Name: gw.Name, Kind: "exclusiveGateway"})
	}

	for _, gw := range c.ParallelGateways {
		idx.elements = append(idx.elements, flatElement{ID: gw.ID, Name: gw.Name, Kind: "parallelGateway"})
	}

	for _, gw := range c.InclusiveGateways {
		idx.elements = append(idx.elements, flatElement{ID: gw.ID, Name: gw.Name, Kind: "inclusiveGateway"})
	}

	for _, be := range c.BoundaryEvents {
		idx.elements = append(idx.elements, flatElement{
			ID:         be.ID,
			Name:       be.Name,
			Kind:       "boundaryEvent",
			Timer:      be.Timer,
			HasTimer:   be.Timer != nil,
			AttachedTo: be.AttachedTo,
		})
	}

	for _, ca := range c.CallActivities {
		called := ca.CalledElement
		if called == "" && ca.Extensions != nil && ca.Extensions.Call != nil {
			called = ca.Extensions.Call.CalledElement
		}

		idx.elements = append(idx.elements, flatElement{
			ID:         ca.ID,
			Name:       ca.Name,
			Kind:       "callActivity",
			Extensions: ca.Extensions,
			CalledElem: called,
		})
	}

	for i := range c.SubProcesses {
		sp := &c.SubProcesses[i]
		idx.elements = append(idx.elements, flatElement{
			ID:         sp.ID,
			Name:       sp.Name,
			Kind:       "subProcess",
			Extensions: sp.Extensions,
		})
		idx.collect(&sp.xmlFlowContainer)
	}

	for _, flow := range c.SequenceFlows {
		idx.flows = append(idx.flows, flatFlow{
			ID:        flow.ID,
			SourceRef: flow.SourceRef,
			TargetRef: flow.TargetRef,
			IsDefault: flow.IsDefault == "true",
			Condition: flow.Condition,
		})
	}
}

func (idx *index) addEvent(ev xmlEvent, kind string) {
	idx.elements = append(idx.elements, flatElement{
		ID:       ev.ID,
		Name:     ev.Name,
		Kind:     kind,
		Timer:    ev.Timer,
		HasTimer: ev.Timer != nil,
	})
}

func (idx *index) addTask(task xmlTask, kind string) {
	idx.elements = append(idx.elements, flatElement{
		ID:         task.ID,
		Name:       task.Name,
		Kind:       kind,
		Extensions: task.Extensions,
	})
}

// Validate runs every level against a parsed document and reports all
// findings, mirroring the platform's standalone validator.
func Validate(data []byte) *ValidationResult {
	result := &ValidationResult{Valid: true}

	doc, err := parse(data)
	if err != nil {
		result.add(ValidationIssue{
			Level:      LevelWellFormed,
			Severity:   SeverityError,
			Code:       "XML_PARSE_ERROR",
			Message:    err.Error(),
			Suggestion: "Check for unclosed tags, invalid characters, or encoding issues",
		})

		return result
	}

	validateSchema(doc, result)

	if len(doc.Processes) == 0 {
		return result
	}

	idx := buildIndex(doc)

	countElements(idx, result)
	validateStructure(idx, result)
	validateConnectivity(idx, result)
	validatePlatformRules(idx, result)
	validateReachability(idx, result)

	return result
}

func validateSchema(doc *xmlDefinitions, result *ValidationResult) {
	if doc.XMLName.Local != "definitions" {
		result.add(ValidationIssue{
			Level:      LevelSchema,
			Severity:   SeverityError,
			Code:       "INVALID_ROOT",
			Message:    fmt.Sprintf("Root element must be 'definitions', found: %s", doc.XMLName.Local),
			Suggestion: "Wrap content in <bpmn:definitions> element",
		})

		return
	}

	if doc.XMLName.Space != ModelNamespace {
		result.add(ValidationIssue{
			Level:      LevelSchema,
			Severity:   SeverityWarning,
			Code:       "MISSING_BPMN_NAMESPACE",
			Message:    "BPMN namespace not found in root element",
			Suggestion: `Add xmlns:bpmn="` + ModelNamespace + `"`,
		})
	}

	if len(doc.Processes) == 0 {
		result.add(ValidationIssue{
			Level:      LevelSchema,
			Severity:   SeverityError,
			Code:       "NO_PROCESS",
			Message:    "No <process> element found",
			Suggestion: "Add a <bpmn:process> element inside definitions",
		})

		return
	}

	for _, proc := range doc.Processes {
		if proc.ID == "" {
			result.add(ValidationIssue{
				Level:      LevelSchema,
				Severity:   SeverityError,
				Code:       "PROCESS_NO_ID",
				Message:    "Process element missing 'id' attribute",
				Suggestion: "Add id attribute to process element",
			})
		}
	}
}

func countElements(idx *index, result *ValidationResult) {
	counts := make(map[string]int)

	for _, el := range idx.elements {
		counts[el.Kind]++
	}

	counts["sequenceFlow"] = len(idx.flows)
	result.ElementCounts = counts
}

func validateStructure(idx *index, result *ValidationResult) {
	if result.ElementCounts["startEvent"] == 0 {
		result.add(ValidationIssue{
			Level:      LevelStructure,
			Severity:   SeverityError,
			Code:       "NO_START_EVENT",
			Message:    "No start event found",
			Suggestion: "Add a <bpmn:startEvent> element",
		})
	}

	if result.ElementCounts["endEvent"] == 0 {
		result.add(ValidationIssue{
			Level:      LevelStructure,
			Severity:   SeverityError,
			Code:       "NO_END_EVENT",
			Message:    "No end event found",
			Suggestion: "Add a <bpmn:endEvent> element",
		})
	}

	seen := make(map[string]bool)

	for _, el := range idx.elements {
		if el.ID == "" {
			continue
		}

		if seen[el.ID] {
			result.add(ValidationIssue{
				Level:      LevelStructure,
				Severity:   SeverityError,
				Code:       "DUPLICATE_ID",
				Message:    fmt.Sprintf("Duplicate ID: '%s'", el.ID),
				ElementID:  el.ID,
				Suggestion: "Ensure all elements have unique IDs",
			})
		}

		seen[el.ID] = true

		if idPattern.MatchString(el.ID) {
			result.add(ValidationIssue{
				Level:      LevelStructure,
				Severity:   SeverityWarning,
				Code:       "INVALID_ID_FORMAT",
				Message:    fmt.Sprintf("ID contains invalid characters: '%s'", el.ID),
				ElementID:  el.ID,
				Suggestion: "Use only alphanumeric characters, hyphens, and underscores",
			})
		}
	}
}

// connectable lists the element kinds that must participate in the flow.
var connectable = map[string]bool{
	"serviceTask": true, "userTask": true, "scriptTask": true, "sendTask": true,
	"callActivity": true, "subProcess": true,
	"exclusiveGateway": true, "parallelGateway": true, "inclusiveGateway": true,
	"intermediateCatchEvent": true,
}

func validateConnectivity(idx *index, result *ValidationResult) {
	outgoing := make(map[string][]flatFlow)
	incoming := make(map[string][]flatFlow)

	for _, flow := range idx.flows {
		if _, ok := idx.byID[flow.SourceRef]; !ok {
			result.add(ValidationIssue{
				Level:      LevelConnectivity,
				Severity:   SeverityError,
				Code:       "INVALID_SOURCE_REF",
				Message:    fmt.Sprintf("Sequence flow references non-existent source: '%s'", flow.SourceRef),
				Suggestion: "Check sourceRef attribute on sequence flows",
			})
		}

		if _, ok := idx.byID[flow.TargetRef]; !ok {
			result.add(ValidationIssue{
				Level:      LevelConnectivity,
				Severity:   SeverityError,
				Code:       "INVALID_TARGET_REF",
				Message:    fmt.Sprintf("Sequence flow references non-existent target: '%s'", flow.TargetRef),
				Suggestion: "Check targetRef attribute on sequence flows",
			})
		}

		outgoing[flow.SourceRef] = append(outgoing[flow.SourceRef], flow)
		incoming[flow.TargetRef] = append(incoming[flow.TargetRef], flow)
	}

	for _, el := range idx.elements {
		if !connectable[el.Kind] {
			continue
		}

		if len(incoming[el.ID]) == 0 && len(outgoing[el.ID]) == 0 {
			result.add(ValidationIssue{
				Level:       LevelConnectivity,
				Severity:    SeverityError,
				Code:        "ORPHAN_ELEMENT",
				Message:     fmt.Sprintf("Element has no connections: '%s'", el.ID),
				ElementID:   el.ID,
				ElementType: el.Kind,
				Suggestion:  "Connect this element with sequence flows",
			})
		}

		switch el.Kind {
		case "exclusiveGateway", "parallelGateway", "inclusiveGateway":
			validateGateway(el, incoming[el.ID], outgoing[el.ID], result)
		}
	}
}

func validateGateway(el flatElement, in, out []flatFlow, result *ValidationResult) {
	if len(in) == 1 && len(out) < 2 {
		result.add(ValidationIssue{
			Level:       LevelConnectivity,
			Severity:    SeverityWarning,
			Code:        "GATEWAY_SINGLE_OUTPUT",
			Message:     fmt.Sprintf("Gateway has only one outgoing flow: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Gateways typically need multiple outgoing paths",
		})
	}

	if el.Kind != "exclusiveGateway" || len(out) < 2 {
		return
	}

	hasDefault := false

	var missing []string

	for _, flow := range out {
		switch {
		case flow.IsDefault:
			hasDefault = true
		case flow.Condition == "":
			missing = append(missing, flow.ID)
		}
	}

	// One unconditioned flow can serve as the implicit default.
	if len(missing) == 1 && !hasDefault {
		return
	}

	for _, flowID := range missing {
		result.add(ValidationIssue{
			Level:      LevelConnectivity,
			Severity:   SeverityWarning,
			Code:       "MISSING_CONDITION",
			Message:    fmt.Sprintf("Exclusive gateway flow missing condition: '%s'", flowID),
			ElementID:  flowID,
			Suggestion: "Add conditionExpression or mark as default flow",
		})
	}
}

func validatePlatformRules(idx *index, result *ValidationResult) {
	for _, el := range idx.elements {
		switch el.Kind {
		case "serviceTask":
			validateServiceTask(el, result)
		case "userTask":
			validateUserTask(el, result)
		case "scriptTask":
			validateScriptTask(el, result)
		case "sendTask":
			validateSendTask(el, result)
		case "callActivity":
			validateCallActivity(el, result)
		case "intermediateCatchEvent", "boundaryEvent":
			validateTimerEvent(el, result)
		}
	}
}

func validateServiceTask(el flatElement, result *ValidationResult) {
	if el.Extensions == nil {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "SERVICE_TASK_NO_CONFIG",
			Message:     fmt.Sprintf("Service task missing configuration: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add periscope:AIAgentConfiguration in extensionElements",
		})

		return
	}

	agent := el.Extensions.Agent
	if agent == nil {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "SERVICE_TASK_NO_AGENT",
			Message:     fmt.Sprintf("Service task missing AI agent configuration: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add periscope:AIAgentConfiguration element",
		})

		return
	}

	if agent.AgentID == "" && agent.AgentType == "" {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "AGENT_CONFIG_INCOMPLETE",
			Message:     fmt.Sprintf("Agent configuration missing agentId or agentType: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Specify either agentId (existing agent) or agentType (inline config)",
		})
	}

	if agent.AgentType != "" && agent.AgentID == "" && agent.Prompt == "" {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityWarning,
			Code:        "AGENT_NO_PROMPT",
			Message:     fmt.Sprintf("Inline agent missing prompt: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add prompt attribute for inline agent configuration",
		})
	}
}

func validateUserTask(el flatElement, result *ValidationResult) {
	var assignee, groups string

	if el.Extensions != nil && el.Extensions.TaskDef != nil {
		assignee = el.Extensions.TaskDef.Assignee
		groups = el.Extensions.TaskDef.CandidateGroups
	}

	if assignee == "" && groups == "" {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityWarning,
			Code:        "USER_TASK_NO_ASSIGNEE",
			Message:     fmt.Sprintf("User task has no assignee or candidate groups: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add assignee or candidateGroups attribute",
		})
	}
}

func validateScriptTask(el flatElement, result *ValidationResult) {
	if el.Extensions == nil {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "SCRIPT_TASK_NO_CONFIG",
			Message:     fmt.Sprintf("Script task missing configuration: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add periscope:ScriptTaskConfiguration in extensionElements",
		})

		return
	}

	script := el.Extensions.Script
	function := el.Extensions.Function

	if script == nil && function == nil {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "SCRIPT_TASK_NO_FUNCTION",
			Message:     fmt.Sprintf("Script task missing function configuration: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add periscope:ScriptTaskConfiguration element",
		})

		return
	}

	ref := ""
	if script != nil {
		if script.FunctionID != "" {
			ref = script.FunctionID
		} else {
			ref = script.FunctionName
		}
	}

	if ref == "" && function != nil {
		ref = function.FunctionRef
	}

	if ref == "" {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "FUNCTION_CONFIG_INCOMPLETE",
			Message:     fmt.Sprintf("Function configuration missing functionId or functionName: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Specify functionId or functionName",
		})
	}
}

func validateSendTask(el flatElement, result *ValidationResult) {
	if el.Extensions == nil || el.Extensions.Send == nil {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityWarning,
			Code:        "SEND_TASK_NO_EMAIL",
			Message:     fmt.Sprintf("Send task missing email configuration: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add periscope:SendTaskConfiguration in extensionElements",
		})
	}
}

func validateCallActivity(el flatElement, result *ValidationResult) {
	if el.CalledElem == "" {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "CALL_ACTIVITY_NO_TARGET",
			Message:     fmt.Sprintf("Call activity missing calledElement: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Specify calledElement attribute or CallActivityConfiguration",
		})
	}
}

func validateTimerEvent(el flatElement, result *ValidationResult) {
	if !el.HasTimer {
		return
	}

	if el.Timer.Duration == "" && el.Timer.Date == "" && el.Timer.Cycle == "" {
		result.add(ValidationIssue{
			Level:       LevelPlatform,
			Severity:    SeverityError,
			Code:        "TIMER_NO_DEFINITION",
			Message:     fmt.Sprintf("Timer event missing duration/date/cycle: '%s'", el.ID),
			ElementID:   el.ID,
			ElementType: el.Kind,
			Suggestion:  "Add timeDuration, timeDate, or timeCycle element",
		})
	}
}

// validateReachability rejects graphs where flow can enter a region with
// no path to any end event, such as a cycle without an exit.
func validateReachability(idx *index, result *ValidationResult) {
	outgoing := make(map[string][]string)

	for _, flow := range idx.flows {
		outgoing[flow.SourceRef] = append(outgoing[flow.SourceRef], flow.TargetRef)
	}

	// Boundary events extend the flow of their host.
	for _, el := range idx.elements {
		if el.Kind == "boundaryEvent" && el.AttachedTo != "" {
			outgoing[el.AttachedTo] = append(outgoing[el.AttachedTo], el.ID)
		}
	}

	reachesEnd := make(map[string]bool)

	var walk func(id string, visiting map[string]bool) bool

	walk = func(id string, visiting map[string]bool) bool {
		if reachesEnd[id] {
			return true
		}

		if visiting[id] {
			return false
		}

		if el, ok := idx.byID[id]; ok && el.Kind == "endEvent" {
			reachesEnd[id] = true

			return true
		}

		visiting[id] = true
		defer delete(visiting, id)

		for _, next := range outgoing[id] {
			if walk(next, visiting) {
				reachesEnd[id] = true

				return true
			}
		}

		return false
	}

	for _, el := range idx.elements {
		if el.Kind != "startEvent" {
			continue
		}

		frontier := []string{el.ID}
		seen := map[string]bool{el.ID: true}

		for len(frontier) > 0 {
			current := frontier[0]
			frontier = frontier[1:]

			if !walk(current, map[string]bool{}) {
				result.add(ValidationIssue{
					Level:      LevelConnectivity,
					Severity:   SeverityError,
					Code:       "UNREACHABLE_END_EVENT",
					Message:    fmt.Sprintf("No end event reachable from '%s'", current),
					ElementID:  current,
					Suggestion: "Ensure every path eventually reaches an end event",
				})

				return
			}

			for _, next := range outgoing[current] {
				if !seen[next] {
					seen[next] = true
					frontier = append(frontier, next)
				}
			}
		}
	}
}
