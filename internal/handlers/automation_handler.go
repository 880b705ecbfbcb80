package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"forma/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AutomationHandler 管理自动化配置与手动运行
type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// ListAutomations 获取某应用下的自动化列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	appID, err := uuid.Parse(c.Query("app_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid app_id", Message: err.Error()})
		return
	}
	automations, err := h.service.ListAutomations(c.Request.Context(), appID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// CreateAutomation 创建自动化
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.service.CreateAutomation(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	a, err := h.service.GetAutomation(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to get automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	var req services.AutomationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.service.UpdateAutomation(c.Request.Context(), id, &req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	if err := h.service.DeleteAutomation(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if err.Error() == "automation not found" {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RunAutomation 手动触发一次运行，立即返回 run id
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	// Re-load right before running so a deleted or disabled automation never
	// executes.
	a, err := h.service.GetAutomation(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to load automation", Message: err.Error()})
		return
	}
	if !a.Enabled {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Automation disabled", Message: "enable the automation before running it"})
		return
	}

	runID, err := h.service.RunAutomation(c.Request.Context(), a, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to start run", Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// ListRuns 运行历史
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := h.service.ListRuns(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list runs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *AutomationHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	run, err := h.service.GetRun(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to get run", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("", handler.CreateAutomation)
		auto.GET(":id", handler.GetAutomation)
		auto.PATCH(":id", handler.UpdateAutomation)
		auto.DELETE(":id", handler.DeleteAutomation)
		auto.POST(":id/run", handler.RunAutomation)
		auto.GET(":id/runs", handler.ListRuns)
	}
	r.GET("/runs/:id", handler.GetRun)
}
