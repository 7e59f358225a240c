// Package bpmn ingests BPMN 2.0 XML definitions with the
// http://periscope.dev/schema/bpmn extension namespace and converts them
// into executable process definitions.
package bpmn

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

const (
	// ModelNamespace is the BPMN 2.0 model namespace.
	ModelNamespace = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	// ExtensionNamespace holds the platform extension elements.
	ExtensionNamespace = "http://periscope.dev/schema/bpmn"
)

type xmlDefinitions struct {
	XMLName   xml.Name
	Processes []xmlProcess `xml:"process"`
}

type xmlProcess struct {
	ID         string         `xml:"id,attr"`
	Name       string         `xml:"name,attr"`
	Extensions *xmlExtensions `xml:"extensionElements"`

	xmlFlowContainer
}

// xmlFlowContainer holds the flow elements shared by processes and
// subprocesses.
type xmlFlowContainer struct {
	StartEvents       []xmlEvent         `xml:"startEvent"`
	EndEvents         []xmlEvent         `xml:"endEvent"`
	ServiceTasks      []xmlTask          `xml:"serviceTask"`
	UserTasks         []xmlTask          `xml:"userTask"`
	ScriptTasks       []xmlTask          `xml:"scriptTask"`
	SendTasks         []xmlTask          `xml:"sendTask"`
	ExclusiveGateways []xmlGateway       `xml:"exclusiveGateway"`
	ParallelGateways  []xmlGateway       `xml:"parallelGateway"`
	InclusiveGateways []xmlGateway       `xml:"inclusiveGateway"`
	CatchEvents       []xmlEvent         `xml:"intermediateCatchEvent"`
	BoundaryEvents    []xmlBoundaryEvent `xml:"boundaryEvent"`
	SubProcesses      []xmlSubProcess    `xml:"subProcess"`
	CallActivities    []xmlCallActivity  `xml:"callActivity"`
	SequenceFlows     []xmlSequenceFlow  `xml:"sequenceFlow"`
}

type xmlSubProcess struct {
	ID         string         `xml:"id,attr"`
	Name       string         `xml:"name,attr"`
	Extensions *xmlExtensions `xml:"extensionElements"`

	xmlFlowContainer
}

type xmlEvent struct {
	ID     string              `xml:"id,attr"`
	Name   string              `xml:"name,attr"`
	Timer  *xmlTimerDefinition `xml:"timerEventDefinition"`
	Signal *xmlSignalEventDef  `xml:"signalEventDefinition"`
	Error  *xmlErrorEventDef   `xml:"errorEventDefinition"`
}

type xmlBoundaryEvent struct {
	ID             string              `xml:"id,attr"`
	Name           string              `xml:"name,attr"`
	AttachedTo     string              `xml:"attachedToRef,attr"`
	CancelActivity string              `xml:"cancelActivity,attr"` // absent means true per the BPMN spec
	Timer          *xmlTimerDefinition `xml:"timerEventDefinition"`
	Signal         *xmlSignalEventDef  `xml:"signalEventDefinition"`
	Error          *xmlErrorEventDef   `xml:"errorEventDefinition"`
}

type xmlTimerDefinition struct {
	Duration string `xml:"timeDuration"`
	Cycle    string `xml:"timeCycle"`
	Date     string `xml:"timeDate"`
}

type xmlSignalEventDef struct {
	SignalRef string `xml:"signalRef,attr"`
}

type xmlErrorEventDef struct {
	ErrorRef string `xml:"errorRef,attr"`
}

type xmlTask struct {
	ID         string         `xml:"id,attr"`
	Name       string         `xml:"name,attr"`
	TaskQueue  string         `xml:"http://periscope.dev/schema/bpmn taskQueue,attr"`
	Timeout    string         `xml:"http://periscope.dev/schema/bpmn timeout,attr"`
	Extensions *xmlExtensions `xml:"extensionElements"`
}

type xmlGateway struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type xmlCallActivity struct {
	ID            string         `xml:"id,attr"`
	Name          string         `xml:"name,attr"`
	CalledElement string         `xml:"calledElement,attr"`
	Extensions    *xmlExtensions `xml:"extensionElements"`
}

type xmlSequenceFlow struct {
	ID        string `xml:"id,attr"`
	SourceRef string `xml:"sourceRef,attr"`
	TargetRef string `xml:"targetRef,attr"`
	IsDefault string `xml:"isDefault,attr"`
	Condition string `xml:"conditionExpression"`
}

type xmlExtensions struct {
	Agent     *xmlAgentConfig    `xml:"http://periscope.dev/schema/bpmn AIAgentConfiguration"`
	TaskDef   *xmlTaskDefinition `xml:"http://periscope.dev/schema/bpmn TaskDefinition"`
	Script    *xmlScriptConfig   `xml:"http://periscope.dev/schema/bpmn ScriptTaskConfiguration"`
	Function  *xmlFunctionConfig `xml:"http://periscope.dev/schema/bpmn FunctionConfiguration"`
	Send      *xmlSendConfig     `xml:"http://periscope.dev/schema/bpmn SendTaskConfiguration"`
	Call      *xmlCallConfig     `xml:"http://periscope.dev/schema/bpmn CallActivityConfiguration"`
	Variables *xmlVariables      `xml:"http://periscope.dev/schema/bpmn Variables"`
	Retry     *xmlRetryPolicy    `xml:"http://periscope.dev/schema/bpmn RetryPolicy"`
	Inputs    []xmlMapping       `xml:"http://periscope.dev/schema/bpmn InputMapping"`
	Outputs   []xmlMapping       `xml:"http://periscope.dev/schema/bpmn OutputMapping"`
}

type xmlAgentConfig struct {
	AgentID   string `xml:"agentId,attr"`
	AgentType string `xml:"agentType,attr"`
	Prompt    string `xml:"prompt,attr"`
	Model     string `xml:"model,attr"`
	Endpoint  string `xml:"endpoint,attr"`
}

type xmlTaskDefinition struct {
	Assignee        string `xml:"assignee,attr"`
	CandidateGroups string `xml:"candidateGroups,attr"`
	SignalName      string `xml:"signalName,attr"`
	FormSpec        string `xml:"http://periscope.dev/schema/bpmn FormSpec"`
}

type xmlScriptConfig struct {
	FunctionID   string `xml:"functionId,attr"`
	FunctionName string `xml:"functionName,attr"`
}

type xmlFunctionConfig struct {
	FunctionRef string `xml:"functionRef,attr"`
}

type xmlSendConfig struct {
	Host    string `xml:"host,attr"`
	Port    string `xml:"port,attr"`
	From    string `xml:"from,attr"`
	To      string `xml:"to,attr"`
	Subject string `xml:"subject,attr"`
	Body    string `xml:"body,attr"`
}

type xmlCallConfig struct {
	CalledElement string `xml:"calledElement,attr"`
}

type xmlVariables struct {
	Variables []xmlVariable `xml:"http://periscope.dev/schema/bpmn Variable"`
}

type xmlVariable struct {
	Name        string `xml:"name,attr"`
	Type        string `xml:"type,attr"`
	Required    bool   `xml:"required,attr"`
	Input       bool   `xml:"input,attr"`
	Sensitive   bool   `xml:"sensitive,attr"`
	Immutable   bool   `xml:"immutable,attr"`
	Transient   bool   `xml:"transient,attr"`
	Default     string `xml:"default,attr"`
	Description string `xml:"description,attr"`
	Min         string `xml:"min,attr"`
	Max         string `xml:"max,attr"`
	MinLength   string `xml:"minLength,attr"`
	MaxLength   string `xml:"maxLength,attr"`
	Pattern     string `xml:"pattern,attr"`
	Enum        string `xml:"enum,attr"` // JSON array
}

type xmlRetryPolicy struct {
	MaximumAttempts int     `xml:"maxAttempts,attr"`
	InitialInterval string  `xml:"initialInterval,attr"`
	MaximumInterval string  `xml:"maxInterval,attr"`
	Coefficient     float64 `xml:"coefficient,attr"`
}

type xmlMapping struct {
	Target     string `xml:"target,attr"`
	Expression string `xml:"expression,attr"`
}

// parse decodes the raw XML. A decode failure is a level 1 issue for the
// validator, not a Go error for the caller.
func parse(data []byte) (*xmlDefinitions, error) {
	var doc xmlDefinitions

	decoder := xml.NewDecoder(bytes.NewReader(data))

	err := decoder.Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("xml parsing failed: %w", err)
	}

	return &doc, nil
}
