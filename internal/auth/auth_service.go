package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken 表示令牌缺失、签名错误、过期或声明不完整。
var ErrInvalidToken = errors.New("invalid token")

// AuthService 负责处理密码哈希、JWT 生成与校验。
type AuthService struct {
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// IssuedToken 是签发后的访问令牌及其元数据。
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenClaims 表示 JWT 中的业务字段，便于中间件读取用户身份。
type TokenClaims struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewAuthService 使用 HS256 密钥构造服务实例。
func NewAuthService(secret []byte, tokenTTL time.Duration) (*AuthService, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if tokenTTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &AuthService{
		secret:   secret,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}, nil
}

// HashPassword 使用 bcrypt 生成密码哈希。
func (s *AuthService) HashPassword(password string) (string, error) {
	return HashPassword(password)
}

// CheckPasswordHash 校验密码是否匹配哈希。
func (s *AuthService) CheckPasswordHash(password, hash string) bool {
	return CheckPasswordHash(password, hash)
}

// IssueToken 为用户签发携带 email 声明的访问令牌。
func (s *AuthService) IssueToken(userID uint, email string) (IssuedToken, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	jti := uuid.NewString()

	claims := TokenClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}

	return IssuedToken{Token: signed, ID: jti, ExpiresAt: expiresAt}, nil
}

// ValidateToken 解析并验证 JWT，过期时间为必填项。
func (s *AuthService) ValidateToken(tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Email == "" || claims.UserID == 0 || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}

	return claims, nil
}

// TokenTTL 暴露访问令牌有效期。
func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
