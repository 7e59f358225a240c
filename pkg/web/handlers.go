package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/periscope-dev/engine/pkg/models"
	"github.com/periscope-dev/engine/pkg/services"
)

type APIHandlers struct {
	definitionService *services.Definition
	executionService  *services.Execution
	taskService       *services.Task
	validator         *validator.Validate
}

func NewAPIHandlers(
	definitionService *services.Definition,
	executionService *services.Execution,
	taskService *services.Task,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		definitionService: definitionService,
		executionService:  executionService,
		taskService:       taskService,
		validator:         validator,
	}
}

// DeployDefinition accepts a BPMN XML document or a JSON process graph and
// deploys it as the next version of its definition id.
func (h *APIHandlers) DeployDefinition(c fiber.Ctx) error {
	req := services.DeployRequest{
		Format:  c.Query("format"),
		Content: c.Body(),
	}

	if len(req.Content) == 0 {
		return badRequest(c, "Request body is required")
	}

	result, err := h.definitionService.Deploy(c.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrDefinitionInvalid) && result != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":      "definition failed validation",
				"validation": result.Validation,
			})
		}

		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	defs, err := h.definitionService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"definitions": defs})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	version := 0

	if versionStr := c.Query("version"); versionStr != "" {
		v, err := strconv.Atoi(versionStr)
		if err != nil {
			return badRequest(c, "Invalid version: "+versionStr)
		}

		version = v
	}

	def, err := h.definitionService.FetchByID(c.Context(), id, version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req services.StartRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.executionService.Start(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	status := models.ExecutionStatus(c.Query("status"))

	executions, err := h.executionService.List(c.Context(), status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	view, err := h.executionService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(view)
}

func (h *APIHandlers) GetExecutionHistory(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var fromSeq int64

	if fromStr := c.Query("from_seq"); fromStr != "" {
		from, err := strconv.ParseInt(fromStr, 10, 64)
		if err != nil {
			return badRequest(c, "Invalid from_seq: "+fromStr)
		}

		fromSeq = from
	}

	entries, err := h.executionService.History(c.Context(), id, fromSeq)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"history": entries})
}

func (h *APIHandlers) SignalExecution(c fiber.Ctx) error {
	id := c.Params("id")
	name := c.Params("name")

	if id == "" || name == "" {
		return badRequest(c, "Execution ID and signal name are required")
	}

	var req SignalRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	err := h.executionService.Signal(c.Context(), id, name, req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	err := h.executionService.Cancel(c.Context(), id, req.Reason, req.RequestedBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetTasks(c fiber.Ctx) error {
	if executionID := c.Query("execution_id"); executionID != "" {
		tasks, err := h.taskService.ByExecution(c.Context(), executionID)
		if err != nil {
			return handleServiceError(c, err)
		}

		return c.JSON(fiber.Map{"tasks": tasks})
	}

	tasks, err := h.taskService.Open(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"tasks": tasks})
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	task, err := h.taskService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(task)
}

func (h *APIHandlers) CompleteTask(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	var req CompleteTaskRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	err := h.taskService.Complete(c.Context(), id, req.CompletedBy, req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.definitionService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Periscope API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Periscope API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
