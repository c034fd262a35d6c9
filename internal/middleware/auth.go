// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"receipt-flow-go/pkg/token"
)

// claimsKey 是存放当前用户 claims 的 Gin 上下文键。
const claimsKey = "claims"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它从请求头中提取 token，验证其有效性，并把 claims 存入 Gin 的上下文。
// 用户注册与会话签发由上游负责，这里只充当批量上传核心的"当前用户"提供方。
func AuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		// Token 通常以 "Bearer <token>" 的形式提供，我们需要提取出 token 本身
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// CurrentUser 从 Gin 上下文中取出当前用户 ID。认证中间件之后调用才有值。
func CurrentUser(c *gin.Context) (uint, bool) {
	claimsValue, ok := c.Get(claimsKey)
	if !ok {
		return 0, false
	}
	claims, ok := claimsValue.(*token.CustomClaims)
	if !ok {
		return 0, false
	}
	return claims.UserID, true
}
