package server

import (
	"errors"
	"log/slog"

	"closer/internal/auth"
	"closer/internal/models"
	"closer/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// IssueWSTicket handles POST /api/ws/ticket
// @Summary Issue a WebSocket ticket
// @Description Single-use ticket redeemable once on the /api/ws handshake within 60 seconds
// @Tags live
// @Produce json
// @Success 200 {object} object{ticket=string,expiresIn=int}
// @Failure 401 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	ctx := c.UserContext()
	ticket, err := s.verifier.IssueTicket(ctx, currentUserID(c))
	if err != nil {
		if errors.Is(err, auth.ErrNoTicketStore) {
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				&models.AppError{Code: models.CodeInternal, Message: "WebSocket tickets are unavailable"})
		}
		observability.Logger.ErrorContext(ctx, "failed to issue ws ticket", slog.String("error", err.Error()))
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}

	return c.JSON(fiber.Map{
		"ticket":    ticket,
		"expiresIn": int(auth.TicketTTL.Seconds()),
	})
}
