package v1

import "time"

// Worktree is a daemon-side record of a git worktree agents run against.
// Provisioning the checkout itself happens out of band; the daemon tracks
// the path, branch, board placement, and ownership.
type Worktree struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"board_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch,omitempty"`
	Archived  bool      `json:"archived"`
	Owners    []string  `json:"owners,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateWorktreeRequest for registering a worktree.
type CreateWorktreeRequest struct {
	BoardID   string `json:"board_id" binding:"required"`
	Name      string `json:"name" binding:"required,max=255"`
	Path      string `json:"path" binding:"required"`
	Branch    string `json:"branch,omitempty"`
	CreatedBy string `json:"created_by" binding:"required"`
}

// UpdateWorktreeRequest patches a worktree. Nil fields are untouched.
type UpdateWorktreeRequest struct {
	Name   *string `json:"name,omitempty" binding:"omitempty,max=255"`
	Path   *string `json:"path,omitempty"`
	Branch *string `json:"branch,omitempty"`
}

// WorktreeOwner links a user to a worktree.
type WorktreeOwner struct {
	WorktreeID string    `json:"worktree_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// AddWorktreeOwnerRequest grants a user ownership of a worktree.
type AddWorktreeOwnerRequest struct {
	UserID string `json:"user_id" binding:"required"`
}
