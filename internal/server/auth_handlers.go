package server

import (
	"errors"
	"log/slog"

	"closer/internal/auth"
	"closer/internal/models"
	"closer/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// Logout handles POST /api/auth/logout
// @Summary Revoke the current access token
// @Description The token's jti is blacklisted until the token expires. Live connections opened with it stay up until they reconnect.
// @Tags auth
// @Produce json
// @Success 200 {object} object{message=string}
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /auth/logout [post]
func (s *Server) Logout(c *fiber.Ctx) error {
	ctx := c.UserContext()
	token, _ := c.Locals("accessToken").(string)
	if token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Logout requires an access token, not a ticket"))
	}

	if err := s.verifier.RevokeToken(ctx, token); err != nil {
		switch {
		case errors.Is(err, auth.ErrNoRevocationStore):
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				&models.AppError{Code: models.CodeInternal, Message: "Token revocation is unavailable"})
		case errors.Is(err, auth.ErrNotRevocable):
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Token cannot be revoked"))
		}
		observability.Logger.ErrorContext(ctx, "failed to revoke token", slog.String("error", err.Error()))
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// GetUserPresence handles GET /api/users/:id/presence
// @Summary Report whether a user holds a live connection
// @Tags live
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} object{userId=int,online=bool}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users/{id}/presence [get]
func (s *Server) GetUserPresence(c *fiber.Ctx) error {
	userID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	return c.JSON(fiber.Map{
		"userId": userID,
		"online": s.live.Presence().IsOnline(c.UserContext(), userID),
	})
}
