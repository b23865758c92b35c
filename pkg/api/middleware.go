package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Role is a dashboard role carried in the bearer token.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleSales            Role = "sales"
	RoleTechnicalManager Role = "technical_manager"
	RoleTechnician       Role = "technician"
	RoleFinance          Role = "finance"

	// RoleNAS is held by accounting forwarders posting events.
	RoleNAS Role = "nas"
)

const roleKey = "role"

// Claims are the bearer token claims the API reads.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// authenticate verifies the bearer token and stores its role on the
// context. It is a no-op when no JWT secret is configured.
func (s *Server) authenticate() gin.HandlerFunc {
	secret := []byte(s.config.JWTSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing or invalid token"})
			return
		}

		var claims Claims
		_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			s.logger.Debug("Rejected bearer token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}
		if claims.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "token carries no role"})
			return
		}

		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// authorize admits only the given roles. Every resource declares its
// permitted roles here; client-side menu filtering is not trusted.
func (s *Server) authorize(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.JWTSecret == "" {
			c.Next()
			return
		}
		v, _ := c.Get(roleKey)
		role, _ := v.(Role)
		if !slices.Contains(roles, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"message": fmt.Sprintf("role %q may not access this resource", role),
			})
			return
		}
		c.Next()
	}
}

// timeout puts a deadline on the request context. Handlers that see it
// expire answer 504 through writeError; a handler that wrote nothing by
// then gets a 504 here.
func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if !c.Writer.Written() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"message": "request timed out"})
		}
	}
}

// instrument records request metrics and feeds the realtime tracker.
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.deps.Metrics.RecordHTTPRequest(c.Request.Method, route, status, elapsed)
		s.tracker.Observe(s.now(), status, elapsed)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request failed", fields...)
			return
		}
		logger.Debug("HTTP request", fields...)
	}
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		logger.Error("Panic serving request",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", err),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
	})
}
