package server

import (
	"closer/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ChatbotExchangeRequest is one prompt and the reply the client already produced.
type ChatbotExchangeRequest struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
	Reply  string `json:"reply" validate:"required,max=8000"`
}

// GetChatbotRoom handles GET /api/chatbot/room
// @Summary Get the caller's chatbot room
// @Tags chatbot
// @Produce json
// @Success 200 {object} models.ChatRoom
// @Security BearerAuth
// @Router /chatbot/room [get]
func (s *Server) GetChatbotRoom(c *fiber.Ctx) error {
	room, err := s.chatbot.Room(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(room)
}

// CreateChatbotExchange handles POST /api/chatbot/messages
// @Summary Persist a chatbot exchange
// @Description Stores the prompt from the caller followed by the reply from the AI sender
// @Tags chatbot
// @Accept json
// @Produce json
// @Param request body ChatbotExchangeRequest true "Exchange"
// @Success 201 {object} service.ChatbotExchange
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /chatbot/messages [post]
func (s *Server) CreateChatbotExchange(c *fiber.Ctx) error {
	var req ChatbotExchangeRequest
	if err := s.bindJSON(c, &req); err != nil {
		return nil
	}

	exchange, err := s.chatbot.Exchange(c.UserContext(), currentUserID(c), req.Prompt, req.Reply)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(exchange)
}
