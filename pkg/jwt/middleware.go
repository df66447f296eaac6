package jwt

import (
	"strconv"
	"strings"

	"github.com/isopen-io/meeshy-sync/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	// ContextUserIDKey 用户ID在gin.Context中的键名
	ContextUserIDKey = "user_id"
	// ContextClaimsKey JWT声明在gin.Context中的键名
	ContextClaimsKey = "jwt_claims"
)

// AuthMiddleware JWT认证中间件
// 从请求头中提取Authorization: Bearer <token>
// 验证token并将用户信息存入gin.Context
func (s *JWTService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从请求头获取Authorization
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "缺少Authorization请求头")
			c.Abort()
			return
		}

		// 检查Bearer前缀
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(c, "Authorization格式错误，应为Bearer <token>")
			c.Abort()
			return
		}

		// 提取并验证token
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := s.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "token无效或已过期")
			c.Abort()
			return
		}

		// 将用户信息存入Context
		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextClaimsKey, claims)

		c.Next()
	}
}

// GetUserID 从gin.Context中获取用户ID（数值形式）
func GetUserID(c *gin.Context) uint {
	if userID, exists := c.Get(ContextUserIDKey); exists {
		if idStr, ok := userID.(string); ok {
			if id, err := strconv.ParseUint(idStr, 10, 32); err == nil {
				return uint(id)
			}
		}
	}
	return 0
}

// GetClaims 从gin.Context中获取JWT声明
func GetClaims(c *gin.Context) *CustomClaims {
	if claims, exists := c.Get(ContextClaimsKey); exists {
		if cc, ok := claims.(*CustomClaims); ok {
			return cc
		}
	}
	return nil
}
