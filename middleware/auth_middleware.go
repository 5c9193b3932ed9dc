package middleware

import (
	"errors"
	"net/http"
	"strings"

	"LiveDesk/models"
	"LiveDesk/services"

	"github.com/labstack/echo/v4"
)

func AuthMiddleware(authService *services.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			var tokenString string
			if authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || parts[0] != "Bearer" {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "invalid authorization header",
					})
				}
				tokenString = parts[1]
			} else {
				tokenString = c.QueryParam("token")
				if tokenString == "" {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "missing authorization token",
					})
				}
				tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
			}

			user, claims, err := authService.Authenticate(tokenString)
			if err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, services.ErrInactiveAccount) {
					code = http.StatusForbidden
				}
				return c.JSON(code, map[string]string{
					"error": err.Error(),
				})
			}

			c.Set("user", user)
			c.Set("claims", claims)
			return next(c)
		}
	}
}

// AgentMiddleware 仅允许客服及以上角色
func AgentMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get("user").(*models.User)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"code":    401,
					"message": "unauthorized",
				})
			}
			switch user.Role {
			case models.RoleAgent, models.RoleAdmin, models.RoleSuperAdmin:
				return next(c)
			}
			return c.JSON(http.StatusForbidden, map[string]interface{}{
				"code":    403,
				"message": "agent role required",
			})
		}
	}
}

// AdminMiddleware 仅允许管理员
func AdminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get("user").(*models.User)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"code":    401,
					"message": "unauthorized",
				})
			}
			if user.Role != models.RoleAdmin && user.Role != models.RoleSuperAdmin {
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"code":    403,
					"message": "admin role required",
				})
			}
			return next(c)
		}
	}
}
