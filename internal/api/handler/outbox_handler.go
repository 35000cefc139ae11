package handler

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/fedsync/pkg/response"
)

type enqueueRequest struct {
	Activity   json.RawMessage `json:"activity" binding:"required" swaggertype:"object"`
	ActivityID string          `json:"activityId" binding:"required"`
	ActorID    string          `json:"actorId" binding:"required,fed_id"`
}

// EnqueueOutbox 本地产生的 activity 入队投递
// @Summary 外发 activity
// @Tags 联邦
// @Accept json
// @Produce json
// @Param request body enqueueRequest true "activity 与发起者"
// @Success 200 {object} response.Response{data=model.OutboxJob} "无远端受众时 data 为空"
// @Failure 400 {object} response.Response
// @Router /api/v1/federation/outbox [post]
func (h *Handler) EnqueueOutbox(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	job, err := h.eng.EnqueueOutbox(c.Request.Context(), req.Activity, req.ActivityID, req.ActorID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, job)
}

// GetOutboxJob 查询外发任务及每个收件人的投递状态
// @Summary 外发任务详情
// @Tags 联邦
// @Produce json
// @Param id path string true "任务ID"
// @Success 200 {object} response.Response{data=model.OutboxJob}
// @Failure 404 {object} response.Response
// @Router /api/v1/federation/outbox/{id} [get]
func (h *Handler) GetOutboxJob(c *gin.Context) {
	job, err := h.eng.Outbox.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, job)
}
