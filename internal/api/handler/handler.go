package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/service"
	"github.com/d60-Lab/fedsync/pkg/response"
)

// Handler HTTP 入口，全部委托给 service.Engine
type Handler struct {
	eng *service.Engine
}

func NewHandler(eng *service.Engine) *Handler {
	return &Handler{eng: eng}
}

// writeError 把服务层错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPeerNotFound), errors.Is(err, service.ErrJobNotFound):
		response.NotFound(c, err.Error())
		return
	case errors.Is(err, service.ErrInvalidDomain):
		response.BadRequest(c, err.Error())
		return
	case errors.Is(err, service.ErrPeerBlocked):
		response.Forbidden(c, err.Error())
		return
	}

	aerr, ok := apperr.As(err)
	if !ok {
		response.InternalError(c, err)
		return
	}
	switch aerr.Class {
	case apperr.ClassValidation:
		response.BadRequest(c, aerr.Message)
	case apperr.ClassAuth:
		response.Unauthorized(c, aerr.Message)
	case apperr.ClassInternal:
		response.InternalError(c, err)
	default:
		// 对端返回的错误
		response.Error(c, http.StatusBadGateway, aerr.Message)
	}
}

func pageParams(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 20
	}
	return page, pageSize
}
