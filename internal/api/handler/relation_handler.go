package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/fedsync/pkg/response"
)

type followRequest struct {
	FollowerID string `json:"follower_id" binding:"required,fed_id"`
	ActorID    string `json:"actor_id" binding:"required,fed_id"`
}

// Follow 本地用户关注作者；远端作者会进入其所在对端的 actors 拉取范围
// @Summary 关注作者
// @Tags 关系链
// @Accept json
// @Produce json
// @Param request body followRequest true "关注信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/relations/follow [post]
func (h *Handler) Follow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.eng.Follow(c.Request.Context(), req.FollowerID, req.ActorID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// Unfollow 取消关注
// @Summary 取消关注
// @Tags 关系链
// @Accept json
// @Produce json
// @Param request body followRequest true "取消关注信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/relations/unfollow [post]
func (h *Handler) Unfollow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.eng.Unfollow(c.Request.Context(), req.FollowerID, req.ActorID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, nil)
}

// ListFollowers 作者的本地关注者（来自关注者索引缓存）
// @Summary 查询关注者
// @Tags 关系链
// @Param actor_id query string true "作者ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/relations/followers [get]
func (h *Handler) ListFollowers(c *gin.Context) {
	actorID := c.Query("actor_id")
	if actorID == "" {
		response.BadRequest(c, "actor_id is required")
		return
	}
	list, err := h.eng.Followers.Followers(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"actor_id": actorID, "total": len(list), "list": list})
}

// Feed 本地用户时间线中来自对端的条目
// @Summary 查询时间线
// @Tags 关系链
// @Param user_id path string true "用户ID"
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/relations/{user_id}/feed [get]
func (h *Handler) Feed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 200 {
		limit = 20
	}
	list, err := h.eng.Feed(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": c.Param("user_id"), "list": list})
}
