package server

import (
	"closer/internal/models"
	"closer/internal/service"

	"github.com/gofiber/fiber/v2"
)

// SendMessageRequest is the body of POST /api/message.
type SendMessageRequest struct {
	RoomKey string `json:"roomKey" validate:"required,max=128"`
	Content string `json:"content" validate:"required,max=4000"`
}

// EditMessageRequest is the body of PATCH /api/messages/item/:id.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

// ListRooms handles GET /api/rooms
// @Summary List chat rooms
// @Description Rooms of the caller, most recent activity first, each with its unread count
// @Tags chat
// @Produce json
// @Success 200 {array} models.ChatRoom
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /rooms [get]
func (s *Server) ListRooms(c *fiber.Ctx) error {
	rooms, err := s.rooms.ListRooms(c.UserContext(), currentUserID(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(rooms)
}

// GetOrCreateRoom handles GET /api/room/:otherUserId
// @Summary Get or create a direct room
// @Tags chat
// @Produce json
// @Param otherUserId path int true "Other participant"
// @Success 200 {object} models.ChatRoom
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /room/{otherUserId} [get]
func (s *Server) GetOrCreateRoom(c *fiber.Ctx) error {
	otherID, err := s.parseID(c, "otherUserId")
	if err != nil {
		return nil
	}

	room, err := s.rooms.GetOrCreateRoom(c.UserContext(), currentUserID(c), otherID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(room)
}

// ListMessages handles GET /api/messages/:roomKey
// @Summary List room history
// @Description Oldest-first page of messages; page 1 holds the most recent ones
// @Tags chat
// @Produce json
// @Param roomKey path string true "Room key"
// @Param page query int false "Page (default 1)"
// @Param limit query int false "Page size (default 50, max 100)"
// @Success 200 {object} service.MessagePage
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /messages/{roomKey} [get]
func (s *Server) ListMessages(c *fiber.Ctx) error {
	page, limit := service.ParsePage(c.Query("page"), c.Query("limit"), s.messages.PageDefaults())

	result, err := s.messages.ListMessages(c.UserContext(), c.Params("roomKey"), currentUserID(c), page, limit)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(result)
}

// SendMessage handles POST /api/message
// @Summary Send a message
// @Description Persists the message, broadcasts receive-message to the room and notifies the other participants
// @Tags chat
// @Accept json
// @Produce json
// @Param request body SendMessageRequest true "Message"
// @Success 201 {object} models.Message
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /message [post]
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := s.bindJSON(c, &req); err != nil {
		return nil
	}

	msg, err := s.messages.Send(c.UserContext(), service.SendMessageInput{
		RoomKey:  req.RoomKey,
		SenderID: currentUserID(c),
		Content:  req.Content,
		Origin:   service.OriginREST,
	})
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// GetRoomUnreadCount handles GET /api/messages/:roomKey/unread-count
// @Summary Count unread messages in a room
// @Tags chat
// @Produce json
// @Param roomKey path string true "Room key"
// @Success 200 {object} object{roomKey=string,unreadCount=int}
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /messages/{roomKey}/unread-count [get]
func (s *Server) GetRoomUnreadCount(c *fiber.Ctx) error {
	roomKey := c.Params("roomKey")
	count, err := s.messages.UnreadCount(c.UserContext(), roomKey, currentUserID(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"roomKey": roomKey, "unreadCount": count})
}

// MarkRoomRead handles PATCH /api/messages/:roomKey/read
// @Summary Mark a room read
// @Tags chat
// @Produce json
// @Param roomKey path string true "Room key"
// @Success 200 {object} object{marked=int}
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /messages/{roomKey}/read [patch]
func (s *Server) MarkRoomRead(c *fiber.Ctx) error {
	marked, err := s.messages.MarkRead(c.UserContext(), c.Params("roomKey"), currentUserID(c))
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"marked": marked})
}

// EditMessage handles PATCH /api/messages/item/:id
// @Summary Edit a message
// @Tags chat
// @Accept json
// @Produce json
// @Param id path int true "Message ID"
// @Param request body EditMessageRequest true "New content"
// @Success 200 {object} models.Message
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /messages/item/{id} [patch]
func (s *Server) EditMessage(c *fiber.Ctx) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req EditMessageRequest
	if err := s.bindJSON(c, &req); err != nil {
		return nil
	}

	msg, err := s.messages.EditMessage(c.UserContext(), id, currentUserID(c), req.Content)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(msg)
}
