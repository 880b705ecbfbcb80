package handlers

import (
	"errors"
	"net/http"

	"forma/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecordHandler 应用/类型/字段/记录 CRUD。记录变更经由服务层发布事件。
type RecordHandler struct {
	service *services.RecordService
}

func NewRecordHandler(service *services.RecordService) *RecordHandler {
	return &RecordHandler{service: service}
}

type createAppRequest struct {
	Name      string `json:"name" binding:"required"`
	CreatedBy string `json:"created_by"`
}

type createTypeRequest struct {
	Name string `json:"name" binding:"required"`
}

type createFieldRequest struct {
	Name string `json:"name" binding:"required"`
	Kind string `json:"kind"`
}

type recordDataRequest struct {
	Data    map[string]interface{} `json:"data"`
	ActorID string                 `json:"actor_id"`
}

func parseActor(raw string) uuid.UUID {
	actor, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return actor
}

func (h *RecordHandler) CreateApp(c *gin.Context) {
	var req createAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	app, err := h.service.CreateApp(c.Request.Context(), req.Name, parseActor(req.CreatedBy))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create app", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (h *RecordHandler) GetApp(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	app, err := h.service.GetApp(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to get app", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *RecordHandler) CreateType(c *gin.Context) {
	appID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid app id", Message: err.Error()})
		return
	}
	var req createTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rt, err := h.service.CreateType(c.Request.Context(), appID, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create type", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rt)
}

func (h *RecordHandler) GetType(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	rt, err := h.service.GetType(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to get type", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rt)
}

func (h *RecordHandler) CreateField(c *gin.Context) {
	typeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid type id", Message: err.Error()})
		return
	}
	var req createFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	field, err := h.service.CreateField(c.Request.Context(), typeID, req.Name, req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create field", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, field)
}

func (h *RecordHandler) ListRecords(c *gin.Context) {
	typeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid type id", Message: err.Error()})
		return
	}
	records, err := h.service.ListRecords(c.Request.Context(), typeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list records", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *RecordHandler) CreateRecord(c *gin.Context) {
	typeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid type id", Message: err.Error()})
		return
	}
	var req recordDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rec, err := h.service.CreateRecord(c.Request.Context(), typeID, req.Data, parseActor(req.ActorID))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create record", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *RecordHandler) UpdateRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	var req recordDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rec, err := h.service.UpdateRecord(c.Request.Context(), id, req.Data, parseActor(req.ActorID))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update record", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *RecordHandler) DeleteRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}
	if err := h.service.DeleteRecord(c.Request.Context(), id, parseActor(c.Query("actor_id"))); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete record", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RegisterRecordRoutes 注册路由
func RegisterRecordRoutes(r *gin.RouterGroup, handler *RecordHandler) {
	apps := r.Group("/apps")
	{
		apps.POST("", handler.CreateApp)
		apps.GET(":id", handler.GetApp)
		apps.POST(":id/types", handler.CreateType)
	}
	types := r.Group("/types")
	{
		types.GET(":id", handler.GetType)
		types.POST(":id/fields", handler.CreateField)
		types.GET(":id/records", handler.ListRecords)
		types.POST(":id/records", handler.CreateRecord)
	}
	records := r.Group("/records")
	{
		records.PATCH(":id", handler.UpdateRecord)
		records.DELETE(":id", handler.DeleteRecord)
	}
}
