package handler

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/fedsync/internal/fedid"
)

var registerOnce sync.Once

// RegisterValidators 注册联邦相关的 binding 校验：
// fed_domain 可规范化为域名，fed_id 能解析出所属域名
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("fed_domain", func(fl validator.FieldLevel) bool {
			return fedid.NormalizeDomain(fl.Field().String()) != ""
		})
		_ = v.RegisterValidation("fed_id", func(fl validator.FieldLevel) bool {
			return fedid.HostOf(fl.Field().String()) != ""
		})
	})
}
