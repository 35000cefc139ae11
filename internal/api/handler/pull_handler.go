package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/api/middleware"
	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/internal/service"
	"github.com/d60-Lab/fedsync/pkg/logger"
	"github.com/d60-Lab/fedsync/pkg/response"
)

// Pull 对端拉取本实例内容（需 HTTP 签名）
// @Summary 联邦拉取
// @Tags 联邦
// @Accept json
// @Produce json
// @Param Signature header string true "HTTP Signature"
// @Param If-None-Match header string false "上次响应的 ETag"
// @Param request body service.PullRequest true "拉取范围与游标"
// @Success 200 {object} service.PullResponse
// @Success 304 "内容未变化"
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 429 {object} response.Response
// @Router /federation/pull [post]
func (h *Handler) Pull(c *gin.Context) {
	var req service.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	requester := middleware.PeerDomain(c)
	if req.RequestingServer != "" && fedid.NormalizeDomain(req.RequestingServer) != requester {
		logger.Security("pull requestingServer does not match signature",
			zap.String("domain", requester),
			zap.String("requesting_server", req.RequestingServer))
		response.Forbidden(c, "requestingServer does not match signing domain")
		return
	}

	res, err := h.eng.PullServer.Serve(c.Request.Context(), requester, &req, c.GetHeader("If-None-Match"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("ETag", res.ETag)
	if res.NotModified {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("Content-Type", "application/activity+json")
	c.JSON(http.StatusOK, res.Response)
}

// TriggerPull 立即拉取一个对端
// @Summary 手动触发拉取
// @Tags 对端管理
// @Accept json
// @Produce json
// @Param domain path string true "对端域名"
// @Param request body service.PullOptions false "拉取范围（默认 public + 已跟踪作者）"
// @Success 200 {object} response.Response{data=service.PullResult}
// @Failure 403 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /api/v1/federation/peers/{domain}/pull [post]
func (h *Handler) TriggerPull(c *gin.Context) {
	var opts service.PullOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	res, err := h.eng.PullFromServer(c.Request.Context(), c.Param("domain"), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, res)
}
