package v1

import "time"

// Board groups worktrees and their discussion threads.
type Board struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateBoardRequest for creating a new board.
type CreateBoardRequest struct {
	Name        string  `json:"name" binding:"required,max=255"`
	Description *string `json:"description,omitempty"`
	OwnerID     string  `json:"owner_id" binding:"required"`
}

// UpdateBoardRequest for updating a board.
type UpdateBoardRequest struct {
	Name        *string `json:"name,omitempty" binding:"omitempty,max=255"`
	Description *string `json:"description,omitempty"`
}

// BoardComment is a threaded comment on a board. Replies reference their
// parent through ParentID; reactions map emoji to the reacting user ids.
type BoardComment struct {
	ID        string              `json:"id"`
	BoardID   string              `json:"board_id"`
	ParentID  *string             `json:"parent_id,omitempty"`
	AuthorID  string              `json:"author_id"`
	Body      string              `json:"body"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// CreateBoardCommentRequest posts a top-level comment to a board.
type CreateBoardCommentRequest struct {
	BoardID  string `json:"board_id" binding:"required"`
	AuthorID string `json:"author_id" binding:"required"`
	Body     string `json:"body" binding:"required"`
}

// ReplyBoardCommentRequest posts a reply under an existing comment.
type ReplyBoardCommentRequest struct {
	AuthorID string `json:"author_id" binding:"required"`
	Body     string `json:"body" binding:"required"`
}

// ToggleReactionRequest flips a user's emoji reaction on a comment.
type ToggleReactionRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Emoji  string `json:"emoji" binding:"required"`
}
