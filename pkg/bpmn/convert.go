package bpmn

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
)

// ErrInvalidDefinition is returned by Ingest when validation found errors.
// Invalid documents never convert, not even partially.
var ErrInvalidDefinition = errors.New("bpmn definition is not valid")

// Ingest parses, validates, and converts a BPMN document. The validation
// result is always returned so callers can surface warnings alongside a
// successful deploy.
func Ingest(data []byte) (*models.ProcessDefinition, *ValidationResult, error) {
	result := Validate(data)
	if !result.Valid {
		return nil, result, ErrInvalidDefinition
	}

	doc, err := parse(data)
	if err != nil {
		return nil, result, err
	}

	def := convert(doc)

	return def, result, nil
}

// convert maps the first process of a validated document onto the
// executable model. Version and DeployedAt are assigned at deploy time.
func convert(doc *xmlDefinitions) *models.ProcessDefinition {
	proc := &doc.Processes[0]

	def := &models.ProcessDefinition{
		ID:           proc.ID,
		Name:         proc.Name,
		SourceFormat: "bpmn",
	}

	if def.Name == "" {
		def.Name = proc.ID
	}

	if proc.Extensions != nil && proc.Extensions.Variables != nil {
		def.Variables = convertVariables(proc.Extensions.Variables.Variables)
	}

	def.Nodes, def.Edges = convertContainer(&proc.xmlFlowContainer)

	return def
}

func convertContainer(c *xmlFlowContainer) ([]models.Node, []models.Edge) {
	var nodes []models.Node

	for _, ev := range c.StartEvents {
		nodes = append(nodes, models.Node{ID: ev.ID, Type: models.NodeTypeStartEvent, Name: ev.Name})
	}

	for _, task := range c.ServiceTasks {
		nodes = append(nodes, convertServiceTask(task))
	}

	for _, task := range c.UserTasks {
		nodes = append(nodes, convertUserTask(task))
	}

	for _, task := range c.ScriptTasks {
		nodes = append(nodes, convertScriptTask(task))
	}

	for _, task := range c.SendTasks {
		nodes = append(nodes, convertSendTask(task))
	}

	for _, gw := range c.ExclusiveGateways {
		nodes = append(nodes, models.Node{ID: gw.ID, Type: models.NodeTypeExclusiveGateway, Name: gw.Name})
	}

	for _, gw := range c.ParallelGateways {
		nodes = append(nodes, models.Node{ID: gw.ID, Type: models.NodeTypeParallelGateway, Name: gw.Name})
	}

	for _, gw := range c.InclusiveGateways {
		nodes = append(nodes, models.Node{ID: gw.ID, Type: models.NodeTypeInclusiveGateway, Name: gw.Name})
	}

	for _, ev := range c.CatchEvents {
		node := models.Node{ID: ev.ID, Type: models.NodeTypeIntermediateEvent, Name: ev.Name}
		applyEventDefinition(&node, ev.Timer, ev.Signal, ev.Error, ev.Name)
		nodes = append(nodes, node)
	}

	for _, be := range c.BoundaryEvents {
		node := models.Node{
			ID:         be.ID,
			Type:       models.NodeTypeBoundaryEvent,
			Name:       be.Name,
			AttachedTo: be.AttachedTo,

			// Absent cancelActivity means interrupting per the BPMN spec.
			CancelActivity: be.CancelActivity != "false",
		}
		applyEventDefinition(&node, be.Timer, be.Signal, be.Error, be.Name)
		nodes = append(nodes, node)
	}

	for _, ca := range c.CallActivities {
		nodes = append(nodes, convertCallActivity(ca))
	}

	for i := range c.SubProcesses {
		sp := &c.SubProcesses[i]
		node := models.Node{ID: sp.ID, Type: models.NodeTypeSubprocess, Name: sp.Name}
		node.Nodes, node.Edges = convertContainer(&sp.xmlFlowContainer)
		nodes = append(nodes, node)
	}

	for _, ev := range c.EndEvents {
		node := models.Node{ID: ev.ID, Type: models.NodeTypeEndEvent, Name: ev.Name}

		if ev.Error != nil {
			node.EndEventError = true
			node.ErrorCode = ev.Error.ErrorRef
		}

		nodes = append(nodes, node)
	}

	edges := make([]models.Edge, 0, len(c.SequenceFlows))

	for _, flow := range c.SequenceFlows {
		edges = append(edges, models.Edge{
			ID:        flow.ID,
			From:      flow.SourceRef,
			To:        flow.TargetRef,
			Guard:     strings.TrimSpace(flow.Condition),
			IsDefault: flow.IsDefault == "true",
		})
	}

	return nodes, edges
}

func applyEventDefinition(node *models.Node, timer *xmlTimerDefinition, signal *xmlSignalEventDef, errDef *xmlErrorEventDef, name string) {
	switch {
	case timer != nil:
		node.Trigger = models.EventTriggerTimer
		node.Timer = &models.TimerDefinition{
			Duration: strings.TrimSpace(timer.Duration),
			Cycle:    strings.TrimSpace(timer.Cycle),
		}
	case errDef != nil:
		node.Trigger = models.EventTriggerError
		node.ErrorCode = errDef.ErrorRef
	case signal != nil:
		node.Trigger = models.EventTriggerSignal

		node.SignalName = signal.SignalRef
		if node.SignalName == "" {
			node.SignalName = name
		}

		if node.SignalName == "" {
			node.SignalName = node.ID
		}
	}
}

func convertServiceTask(task xmlTask) models.Node {
	node := baseTaskNode(task, models.NodeTypeServiceTask)

	if task.Extensions != nil && task.Extensions.Agent != nil {
		agent := task.Extensions.Agent
		node.Agent = &models.AgentConfig{
			AgentID:   agent.AgentID,
			AgentType: agent.AgentType,
			Prompt:    agent.Prompt,
			Model:     agent.Model,
		}

		if agent.Endpoint != "" {
			node.Config = map[string]any{"endpoint": agent.Endpoint}
		}
	}

	return node
}

func convertUserTask(task xmlTask) models.Node {
	node := baseTaskNode(task, models.NodeTypeUserTask)

	if task.Extensions == nil || task.Extensions.TaskDef == nil {
		return node
	}

	td := task.Extensions.TaskDef
	cfg := &models.TaskConfig{
		Assignee:   td.Assignee,
		SignalName: td.SignalName,
	}

	if td.CandidateGroups != "" {
		for _, group := range strings.Split(td.CandidateGroups, ",") {
			if group = strings.TrimSpace(group); group != "" {
				cfg.CandidateGroups = append(cfg.CandidateGroups, group)
			}
		}
	}

	if spec := strings.TrimSpace(td.FormSpec); spec != "" {
		var form map[string]any
		if json.Unmarshal([]byte(spec), &form) == nil {
			cfg.FormSpec = form
		}
	}

	node.Task = cfg

	return node
}

func convertScriptTask(task xmlTask) models.Node {
	node := baseTaskNode(task, models.NodeTypeScriptTask)

	if task.Extensions == nil {
		return node
	}

	if script := task.Extensions.Script; script != nil {
		node.FunctionRef = script.FunctionID
		if node.FunctionRef == "" {
			node.FunctionRef = script.FunctionName
		}
	}

	if node.FunctionRef == "" && task.Extensions.Function != nil {
		node.FunctionRef = task.Extensions.Function.FunctionRef
	}

	return node
}

func convertSendTask(task xmlTask) models.Node {
	node := baseTaskNode(task, models.NodeTypeSendTask)

	if task.Extensions == nil || task.Extensions.Send == nil {
		return node
	}

	send := task.Extensions.Send
	config := map[string]any{}

	setIfPresent(config, "host", send.Host)
	setIfPresent(config, "from", send.From)
	setIfPresent(config, "to", send.To)
	setIfPresent(config, "subject", send.Subject)
	setIfPresent(config, "body", send.Body)

	if send.Port != "" {
		if port, err := strconv.Atoi(send.Port); err == nil {
			config["port"] = float64(port)
		}
	}

	node.Config = config

	return node
}

func convertCallActivity(ca xmlCallActivity) models.Node {
	node := models.Node{
		ID:       ca.ID,
		Type:     models.NodeTypeCallActivity,
		Name:     ca.Name,
		CalleeID: ca.CalledElement,
	}

	if ca.Extensions != nil {
		if node.CalleeID == "" && ca.Extensions.Call != nil {
			node.CalleeID = ca.Extensions.Call.CalledElement
		}

		node.InputMapping = convertMappings(ca.Extensions.Inputs)
		node.OutputMapping = convertMappings(ca.Extensions.Outputs)
	}

	return node
}

func baseTaskNode(task xmlTask, kind models.NodeType) models.Node {
	node := models.Node{
		ID:        task.ID,
		Type:      kind,
		Name:      task.Name,
		TaskQueue: task.TaskQueue,
		Timeout:   parseTimeout(task.Timeout),
	}

	if task.Extensions != nil {
		node.InputMapping = convertMappings(task.Extensions.Inputs)
		node.OutputMapping = convertMappings(task.Extensions.Outputs)
		node.Retry = convertRetry(task.Extensions.Retry)
	}

	return node
}

func convertMappings(mappings []xmlMapping) map[string]string {
	if len(mappings) == 0 {
		return nil
	}

	out := make(map[string]string, len(mappings))
	for _, m := range mappings {
		out[m.Target] = m.Expression
	}

	return out
}

func convertRetry(retry *xmlRetryPolicy) *models.RetryPolicy {
	if retry == nil {
		return nil
	}

	policy := models.DefaultRetryPolicy()

	if retry.MaximumAttempts > 0 {
		policy.MaximumAttempts = retry.MaximumAttempts
	}

	if d := parseTimeout(retry.InitialInterval); d > 0 {
		policy.InitialInterval = d
	}

	if d := parseTimeout(retry.MaximumInterval); d > 0 {
		policy.MaximumInterval = d
	}

	if retry.Coefficient > 0 {
		policy.Coefficient = retry.Coefficient
	}

	return &policy
}

// parseTimeout accepts ISO-8601 durations and Go duration literals.
func parseTimeout(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if d, err := models.ParseISODuration(s); err == nil {
		return d
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	return 0
}

func convertVariables(vars []xmlVariable) []models.VariableDeclaration {
	out := make([]models.VariableDeclaration, 0, len(vars))

	for _, v := range vars {
		varType := models.VariableType(v.Type)
		if v.Type == "" {
			varType = models.VariableTypeAny
		}

		decl := models.VariableDeclaration{
			Name:        v.Name,
			Type:        varType,
			Required:    v.Required,
			IsInput:     v.Input,
			Sensitive:   v.Sensitive,
			Immutable:   v.Immutable,
			Transient:   v.Transient,
			Description: v.Description,
			Constraints: convertConstraints(v),
		}

		if v.Default != "" {
			decl.Default = parseLiteral(v.Default)
		}

		out = append(out, decl)
	}

	return out
}

func convertConstraints(v xmlVariable) *models.VariableConstraints {
	c := &models.VariableConstraints{Pattern: v.Pattern}
	set := v.Pattern != ""

	if f, err := strconv.ParseFloat(v.Min, 64); v.Min != "" && err == nil {
		c.Min = &f
		set = true
	}

	if f, err := strconv.ParseFloat(v.Max, 64); v.Max != "" && err == nil {
		c.Max = &f
		set = true
	}

	if n, err := strconv.Atoi(v.MinLength); v.MinLength != "" && err == nil {
		c.MinLength = &n
		set = true
	}

	if n, err := strconv.Atoi(v.MaxLength); v.MaxLength != "" && err == nil {
		c.MaxLength = &n
		set = true
	}

	if v.Enum != "" {
		var values []any
		if json.Unmarshal([]byte(v.Enum), &values) == nil && len(values) > 0 {
			c.Enum = values
			set = true
		}
	}

	if !set {
		return nil
	}

	return c
}

// parseLiteral interprets an attribute value as JSON when possible so
// defaults keep their declared type, falling back to the raw string.
func parseLiteral(s string) any {
	var value any
	if err := json.Unmarshal([]byte(s), &value); err == nil {
		return value
	}

	return s
}

func setIfPresent(config map[string]any, key, value string) {
	if value != "" {
		config[key] = value
	}
}
