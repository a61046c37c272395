package server

import (
	"closer/internal/models"

	"github.com/gofiber/fiber/v2"
)

// CreateCommentRequest is the body of POST /api/posts/:id/comments.
type CreateCommentRequest struct {
	MediaID uint   `json:"mediaId" validate:"required"`
	Text    string `json:"text" validate:"required,max=2000"`
}

// FollowUser handles POST /api/users/:id/follow
// @Summary Follow a user
// @Tags social
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} object{message=string}
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /users/{id}/follow [post]
func (s *Server) FollowUser(c *fiber.Ctx) error {
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.social.Follow(c.UserContext(), currentUserID(c), targetID); err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Followed"})
}

// UnfollowUser handles DELETE /api/users/:id/follow
// @Summary Unfollow a user
// @Tags social
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} object{message=string}
// @Security BearerAuth
// @Router /users/{id}/follow [delete]
func (s *Server) UnfollowUser(c *fiber.Ctx) error {
	targetID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if err := s.social.Unfollow(c.UserContext(), currentUserID(c), targetID); err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Unfollowed"})
}

// LikeMedia handles POST /api/posts/:id/media/:mediaId/like
// @Summary Like a media item
// @Tags social
// @Produce json
// @Param id path int true "Post ID"
// @Param mediaId path int true "Media ID"
// @Success 201 {object} models.Like
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts/{id}/media/{mediaId}/like [post]
func (s *Server) LikeMedia(c *fiber.Ctx) error {
	postID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	mediaID, err := s.parseID(c, "mediaId")
	if err != nil {
		return nil
	}

	like, err := s.social.Like(c.UserContext(), currentUserID(c), postID, mediaID)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(like)
}

// UnlikeMedia handles DELETE /api/posts/:id/media/:mediaId/like
// @Summary Remove a like
// @Tags social
// @Produce json
// @Param id path int true "Post ID"
// @Param mediaId path int true "Media ID"
// @Success 200 {object} object{message=string}
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts/{id}/media/{mediaId}/like [delete]
func (s *Server) UnlikeMedia(c *fiber.Ctx) error {
	postID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	mediaID, err := s.parseID(c, "mediaId")
	if err != nil {
		return nil
	}

	if err := s.social.Unlike(c.UserContext(), currentUserID(c), postID, mediaID); err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Like removed"})
}

// CreateComment handles POST /api/posts/:id/comments
// @Summary Comment on a media item
// @Description Notifies the post owner and every @mentioned user
// @Tags social
// @Accept json
// @Produce json
// @Param id path int true "Post ID"
// @Param request body CreateCommentRequest true "Comment"
// @Success 201 {object} models.Comment
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /posts/{id}/comments [post]
func (s *Server) CreateComment(c *fiber.Ctx) error {
	postID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	var req CreateCommentRequest
	if err := s.bindJSON(c, &req); err != nil {
		return nil
	}

	comment, err := s.social.Comment(c.UserContext(), currentUserID(c), postID, req.MediaID, req.Text)
	if err != nil {
		return models.RespondWithAppError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}
