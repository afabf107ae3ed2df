// Package controller exposes submission intake and reads over HTTP.
package controller

import (
	"strconv"
	"time"

	"codex/internal/common/http/middleware"
	"codex/internal/submission/service"
	"codex/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionController handles submission HTTP endpoints.
type SubmissionController struct {
	submissionService *service.SubmissionService
}

func NewSubmissionController(submissionService *service.SubmissionService) *SubmissionController {
	return &SubmissionController{submissionService: submissionService}
}

// Register mounts the routes on an authenticated group.
func (h *SubmissionController) Register(group *gin.RouterGroup) {
	group.POST("/submissions", h.Create)
	group.GET("/submissions/:id", h.Get)
	group.GET("/submissions/:id/output", h.GetOutput)
	group.GET("/user/submissions", h.ListMine)
	group.GET("/user/problems", h.ProblemStatuses)
}

// Create accepts a submission and answers 202 with its id.
func (h *SubmissionController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	submission, err := h.submissionService.Submit(c.Request.Context(), service.SubmitInput{
		UserID:     middleware.UserID(c),
		ProblemID:  req.ProblemID,
		LanguageID: req.LanguageID,
		SourceCode: req.SourceCode,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, SubmitResponse{
		SubmissionID: submission.ID,
		Status:       submission.Status.String(),
		Message:      "Submission queued for execution",
	})
}

// Get returns one submission of the caller.
func (h *SubmissionController) Get(c *gin.Context) {
	view, err := h.submissionService.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	sub := view.Submission
	resp := SubmissionResponse{
		ID:         sub.ID,
		ProblemID:  sub.ProblemID,
		LanguageID: sub.LanguageID,
		Status:     sub.Status.String(),
		CreatedAt:  sub.CreatedAt.UTC().Format(time.RFC3339),
	}
	if res := view.Result; res != nil {
		resp.ExecutionTimeMs = &res.ExecutionTimeMs
		resp.MemoryUsedMb = &res.MemoryUsedMb
		resp.PassedTestCases = &res.PassedTestCases
		resp.TotalTestCases = &res.TotalTestCases
		resp.Stdout = res.Stdout
		resp.Stderr = res.Stderr
		resp.OutputArchived = res.ArchiveKey != ""
	}
	response.Success(c, resp)
}

// GetOutput returns the untruncated output of a finished submission.
func (h *SubmissionController) GetOutput(c *gin.Context) {
	out, err := h.submissionService.GetOutput(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, OutputResponse{Stdout: out.Stdout, Stderr: out.Stderr})
}

// ListMine pages through the caller's submissions.
// Query: page (1-based, default 1) and page_size (default 20).
func (h *SubmissionController) ListMine(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		response.BadRequest(c, "page must be an integer")
		return
	}
	pageSize, err := queryInt(c, "page_size", 20)
	if err != nil {
		response.BadRequest(c, "page_size must be an integer")
		return
	}
	result, err := h.submissionService.ListMine(c.Request.Context(), middleware.UserID(c), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]SubmissionSummary, 0, len(result.Items))
	for _, sub := range result.Items {
		items = append(items, SubmissionSummary{
			ID:         sub.ID,
			ProblemID:  sub.ProblemID,
			LanguageID: sub.LanguageID,
			Status:     sub.Status.String(),
			CreatedAt:  sub.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	response.Success(c, SubmissionPage{
		Items:      items,
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
		HasMore:    result.HasMore,
	})
}

// ProblemStatuses lists the caller's solved and attempted problems.
func (h *SubmissionController) ProblemStatuses(c *gin.Context) {
	statuses, err := h.submissionService.ProblemStatuses(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]ProblemStatusResponse, 0, len(statuses))
	for _, ps := range statuses {
		item := ProblemStatusResponse{ProblemID: ps.ProblemID, Status: string(ps.Status)}
		if ps.SolvedAt != nil {
			item.SolvedAt = ps.SolvedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	response.Success(c, items)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// SubmitRequest defines the submission payload.
type SubmitRequest struct {
	ProblemID  string `json:"problem_id" binding:"required"`
	LanguageID string `json:"language_id" binding:"required"`
	SourceCode string `json:"source_code" binding:"required"`
}

// SubmitResponse defines the submission response payload.
type SubmitResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// SubmissionResponse is a submission with its result fields when finished.
type SubmissionResponse struct {
	ID              string `json:"id"`
	ProblemID       string `json:"problem_id"`
	LanguageID      string `json:"language_id"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	ExecutionTimeMs *int64 `json:"execution_time_ms,omitempty"`
	MemoryUsedMb    *int64 `json:"memory_used_mb,omitempty"`
	PassedTestCases *int   `json:"passed_test_cases,omitempty"`
	TotalTestCases  *int   `json:"total_test_cases,omitempty"`
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	OutputArchived  bool   `json:"output_archived,omitempty"`
}

// OutputResponse is the full captured output.
type OutputResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// SubmissionSummary is one row of a submission listing.
type SubmissionSummary struct {
	ID         string `json:"id"`
	ProblemID  string `json:"problem_id"`
	LanguageID string `json:"language_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

// SubmissionPage is one page of the caller's submissions.
type SubmissionPage struct {
	Items      []SubmissionSummary `json:"items"`
	Total      int64               `json:"total"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
	TotalPages int                 `json:"total_pages"`
	HasMore    bool                `json:"has_more"`
}

type ProblemStatusResponse struct {
	ProblemID string `json:"problem_id"`
	Status    string `json:"status"`
	SolvedAt  string `json:"solved_at,omitempty"`
}
