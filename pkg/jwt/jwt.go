package jwt

import (
	"errors"
	"fmt"

	"github.com/isopen-io/meeshy-sync/config"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// JWTService 校验网关签发的访问令牌
// 令牌签发（登录/会话管理）由外部协作方负责，本服务只做验证
// 对称密钥 HS256，用户ID存放在 Subject

type JWTService struct {
	secretKey []byte // 对称密钥
	issuer    string // 期望的签发者
}

// CustomClaims 自定义声明载荷
// Data 用于扩展非敏感业务字段（如 username、preferred_language）

type CustomClaims struct {
	Data map[string]interface{} `json:"data,omitempty"`
	jwtv5.RegisteredClaims
}

// NewJWTService 创建 JWT 校验服务
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secretKey: []byte(cfg.Secret),
		issuer:    cfg.Issuer,
	}
}

// ValidateToken 校验并解析令牌
// 返回解析出的自定义声明（包含 Subject 和 Data）
func (s *JWTService) ValidateToken(tokenString string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, errors.New("token is empty")
	}

	claims := &CustomClaims{}
	parsedToken, err := jwtv5.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwtv5.Token) (interface{}, error) {
			// 验证签名方法
			if token.Method != jwtv5.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secretKey, nil
		},
		// 验证签发者
		jwtv5.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	if !parsedToken.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
