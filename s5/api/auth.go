package api

import (
	"errors"
	"fmt"
	"net/http"
	"s5proxy/s5/common"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var errNoSecret = errors.New("admin.jwt_secret not configured")

/******** JWT / Claims ********/

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (s *Server) secret() ([]byte, error) {
	sec := s.App.Cfg.Admin.JWTSecret
	if strings.TrimSpace(sec) == "" {
		return nil, errNoSecret
	}
	return []byte(sec), nil
}

func (s *Server) makeToken(username string) (string, time.Time, error) {
	sec, err := s.secret()
	if err != nil {
		return "", time.Time{}, err
	}
	ttl := s.App.Cfg.Admin.TokenTTL
	if ttl <= 0 {
		ttl = 120
	}
	now := time.Now()
	exp := now.Add(time.Duration(ttl) * time.Minute)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tk, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sec)
	return tk, exp, err
}

func (s *Server) parseToken(tk string) (*Claims, error) {
	sec, err := s.secret()
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(tk, &Claims{}, func(t *jwt.Token) (any, error) {
		return sec, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

/******** Middlewares ********/

// AuthRequired Authorization: Bearer <token>
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := s.parseToken(strings.TrimSpace(h[7:]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

/******** Handlers: /login ********/

// POST /api/login  {username,password}
func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u := strings.TrimSpace(req.Username)
	p := req.Password
	if u == "" || p == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username/password required"})
		return
	}

	ip := c.ClientIP()
	if s.Guard != nil {
		if ok, retry := s.Guard.Allow(ip, u); !ok {
			if retry > 0 {
				c.Header("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many attempts, try later"})
			return
		}
	}

	adm := s.App.Cfg.Admin
	if adm.Username == "" || u != adm.Username || !common.PasswordOK(adm.Password, adm.Password, p) {
		if s.Guard != nil {
			s.Guard.Fail(ip, u)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login failed, please check username and password"})
		return
	}

	tk, exp, err := s.makeToken(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.Guard != nil {
		s.Guard.Success(ip, u)
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      tk,
		"username":   u,
		"expires_at": exp.UnixMilli(),
	})
}
