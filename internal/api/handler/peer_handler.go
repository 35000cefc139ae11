package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/service"
	"github.com/d60-Lab/fedsync/pkg/response"
)

type statusRequest struct {
	Status model.PeerStatus `json:"status" binding:"required,oneof=unknown trusted limited blocked muted"`
}

// ListPeers 对端列表
// @Summary 对端列表
// @Tags 对端管理
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/federation/peers [get]
func (h *Handler) ListPeers(c *gin.Context) {
	page, pageSize := pageParams(c)
	list, err := h.eng.Peers.List(c.Request.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": list})
}

// GetPeer 对端详情（调度状态、游标、统计）
// @Summary 对端详情
// @Tags 对端管理
// @Produce json
// @Param domain path string true "对端域名"
// @Success 200 {object} response.Response{data=model.PeerServer}
// @Failure 404 {object} response.Response
// @Router /api/v1/federation/peers/{domain} [get]
func (h *Handler) GetPeer(c *gin.Context) {
	p, err := h.eng.Peers.Get(c.Request.Context(), c.Param("domain"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, p)
}

// SetPeerStatus 修改对端信任状态
// @Summary 修改对端状态
// @Tags 对端管理
// @Accept json
// @Produce json
// @Param domain path string true "对端域名"
// @Param request body statusRequest true "新状态"
// @Success 200 {object} response.Response{data=model.PeerServer}
// @Failure 400 {object} response.Response
// @Router /api/v1/federation/peers/{domain}/status [put]
func (h *Handler) SetPeerStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := h.eng.Peers.SetStatus(c.Request.Context(), c.Param("domain"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, p)
}

// UpdatePeerSettings 修改对端能力、过滤器与限流
// @Summary 修改对端配置
// @Tags 对端管理
// @Accept json
// @Produce json
// @Param domain path string true "对端域名"
// @Param request body service.PeerSettings true "只更新传入的字段"
// @Success 200 {object} response.Response{data=model.PeerServer}
// @Failure 400 {object} response.Response
// @Router /api/v1/federation/peers/{domain}/settings [put]
func (h *Handler) UpdatePeerSettings(c *gin.Context) {
	var req service.PeerSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := h.eng.Peers.UpdateSettings(c.Request.Context(), c.Param("domain"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, p)
}
