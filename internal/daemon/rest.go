package daemon

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agor/agor/internal/common/logger"
	"github.com/agor/agor/internal/session/repository"
	"github.com/agor/agor/internal/session/service"
	v1 "github.com/agor/agor/pkg/api/v1"
)

// restAPI mirrors the websocket RPC surface over plain HTTP so the daemon
// can be driven with curl and scripts. Both surfaces call the same service
// layer; realtime fanout stays on the websocket.
type restAPI struct {
	sessions *service.Service
	prompts  *PromptService
	logger   *logger.Logger
}

func (a *restAPI) register(router *gin.Engine) {
	api := router.Group("/api/v1")

	sessions := api.Group("/sessions")
	sessions.POST("", a.createSession)
	sessions.GET("", a.findSessions)
	sessions.GET("/:id", a.getSession)
	sessions.PATCH("/:id", a.updateSession)
	sessions.DELETE("/:id", a.deleteSession)
	sessions.POST("/:id/fork", a.forkSession)
	sessions.POST("/:id/spawn", a.spawnSession)
	sessions.POST("/:id/prompt", a.prompt)
	sessions.GET("/:id/messages", a.findMessages)
	sessions.GET("/:id/mcp-servers", a.listMCPServers)
	sessions.POST("/:id/mcp-servers", a.addMCPServer)
	sessions.DELETE("/:id/mcp-servers/:serverID", a.removeMCPServer)

	tasks := api.Group("/tasks")
	tasks.GET("", a.findTasks)
	tasks.GET("/:id", a.getTask)
	tasks.PATCH("/:id", a.updateTask)
	tasks.POST("/:id/stop", a.stopTask)

	worktrees := api.Group("/worktrees")
	worktrees.POST("", a.createWorktree)
	worktrees.GET("", a.findWorktrees)
	worktrees.GET("/:id", a.getWorktree)
	worktrees.PATCH("/:id", a.updateWorktree)
	worktrees.DELETE("/:id", a.archiveWorktree)
	worktrees.POST("/:id/unarchive", a.unarchiveWorktree)
	worktrees.GET("/:id/owners", a.findOwners)
	worktrees.POST("/:id/owners", a.addOwner)
	worktrees.DELETE("/:id/owners/:userID", a.removeOwner)

	boards := api.Group("/boards")
	boards.POST("", a.createBoard)
	boards.GET("/:id", a.getBoard)
	boards.GET("/:id/comments", a.findComments)
	boards.POST("/:id/comments", a.createComment)

	comments := api.Group("/comments")
	comments.POST("/:id/replies", a.replyComment)
	comments.POST("/:id/reactions", a.toggleReaction)

	permissions := api.Group("/permissions")
	permissions.GET("", a.listPermissions)
	permissions.POST("/decide", a.decidePermission)
}

// fail maps service errors onto HTTP status codes, matching the ws error
// frame mapping.
func (a *restAPI) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrConflict),
		errors.Is(err, repository.ErrNormalizedImmutable),
		errors.Is(err, repository.ErrDuplicateMCPServer):
		status = http.StatusConflict
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrTaskNotFound),
		errors.Is(err, repository.ErrMessageNotFound),
		errors.Is(err, repository.ErrWorktreeNotFound),
		errors.Is(err, repository.ErrBoardNotFound),
		errors.Is(err, repository.ErrCommentNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (a *restAPI) createSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	session, err := a.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (a *restAPI) findSessions(c *gin.Context) {
	var filter v1.FindSessionsRequest
	if v := c.Query("worktree_id"); v != "" {
		filter.WorktreeID = &v
	}
	if v := c.Query("status"); v != "" {
		status := v1.SessionStatus(v)
		filter.Status = &status
	}
	if v := c.Query("agentic_tool"); v != "" {
		tool := v1.AgenticTool(v)
		filter.AgenticTool = &tool
	}
	if v := c.Query("archived"); v != "" {
		archived := v == "true"
		filter.Archived = &archived
	}
	if v := c.Query("created_by"); v != "" {
		filter.CreatedBy = &v
	}
	sessions, err := a.sessions.FindSessions(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (a *restAPI) getSession(c *gin.Context) {
	session, err := a.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *restAPI) updateSession(c *gin.Context) {
	var req v1.UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	session, err := a.sessions.UpdateSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *restAPI) deleteSession(c *gin.Context) {
	if err := a.sessions.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *restAPI) forkSession(c *gin.Context) {
	var req v1.ForkSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	session, err := a.sessions.ForkSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (a *restAPI) spawnSession(c *gin.Context) {
	var req v1.SpawnSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	session, err := a.sessions.SpawnSession(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (a *restAPI) prompt(c *gin.Context) {
	var req v1.PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	resp, err := a.prompts.SubmitPrompt(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (a *restAPI) findMessages(c *gin.Context) {
	filter := v1.FindMessagesRequest{SessionID: c.Param("id")}
	if v := c.Query("after_index"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after_index must be an integer"})
			return
		}
		filter.AfterIndex = &after
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		filter.Limit = limit
	}
	messages, err := a.sessions.FindMessages(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (a *restAPI) listMCPServers(c *gin.Context) {
	servers, err := a.sessions.SessionMCPServers(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

func (a *restAPI) addMCPServer(c *gin.Context) {
	var server v1.MCPServer
	if err := c.ShouldBindJSON(&server); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	added, err := a.sessions.AddSessionMCPServer(c.Request.Context(), c.Param("id"), server)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, added)
}

func (a *restAPI) removeMCPServer(c *gin.Context) {
	if err := a.sessions.RemoveSessionMCPServer(c.Request.Context(), c.Param("id"), c.Param("serverID")); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *restAPI) findTasks(c *gin.Context) {
	var filter v1.FindTasksRequest
	if v := c.Query("session_id"); v != "" {
		filter.SessionID = &v
	}
	if v := c.Query("status"); v != "" {
		status := v1.TaskStatus(v)
		filter.Status = &status
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		filter.Limit = limit
	}
	tasks, err := a.sessions.FindTasks(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (a *restAPI) getTask(c *gin.Context) {
	task, err := a.sessions.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *restAPI) updateTask(c *gin.Context) {
	var req v1.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := a.sessions.UpdateTask(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *restAPI) stopTask(c *gin.Context) {
	task, err := a.sessions.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	sequence, err := a.prompts.StopTask(c.Request.Context(), task.SessionID, task.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id": task.SessionID,
		"task_id":    task.ID,
		"sequence":   sequence,
	})
}

func (a *restAPI) createWorktree(c *gin.Context) {
	var req v1.CreateWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	wt, err := a.sessions.CreateWorktree(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wt)
}

func (a *restAPI) findWorktrees(c *gin.Context) {
	worktrees, err := a.sessions.FindWorktrees(c.Request.Context(), c.Query("board_id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, worktrees)
}

func (a *restAPI) getWorktree(c *gin.Context) {
	wt, err := a.sessions.GetWorktree(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (a *restAPI) updateWorktree(c *gin.Context) {
	var req v1.UpdateWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	wt, err := a.sessions.UpdateWorktree(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (a *restAPI) archiveWorktree(c *gin.Context) {
	wt, err := a.sessions.ArchiveOrDeleteWorktree(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if wt == nil {
		c.JSON(http.StatusOK, gin.H{"deleted": true, "id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (a *restAPI) unarchiveWorktree(c *gin.Context) {
	wt, err := a.sessions.UnarchiveWorktree(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wt)
}

func (a *restAPI) findOwners(c *gin.Context) {
	owners, err := a.sessions.FindWorktreeOwners(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, owners)
}

func (a *restAPI) addOwner(c *gin.Context) {
	var req v1.AddWorktreeOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	owner, err := a.sessions.AddWorktreeOwner(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, owner)
}

func (a *restAPI) removeOwner(c *gin.Context) {
	if err := a.sessions.RemoveWorktreeOwner(c.Request.Context(), c.Param("id"), c.Param("userID")); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *restAPI) createBoard(c *gin.Context) {
	var req v1.CreateBoardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	board, err := a.sessions.CreateBoard(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, board)
}

func (a *restAPI) getBoard(c *gin.Context) {
	board, err := a.sessions.GetBoard(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

func (a *restAPI) findComments(c *gin.Context) {
	comments, err := a.sessions.FindComments(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comments)
}

func (a *restAPI) createComment(c *gin.Context) {
	var req v1.CreateBoardCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.BoardID = c.Param("id")
	comment, err := a.sessions.CreateComment(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (a *restAPI) replyComment(c *gin.Context) {
	var req v1.ReplyBoardCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	reply, err := a.sessions.ReplyToComment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, reply)
}

func (a *restAPI) toggleReaction(c *gin.Context) {
	var req v1.ToggleReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	comment, err := a.sessions.ToggleReaction(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (a *restAPI) listPermissions(c *gin.Context) {
	status := v1.TaskStatusAwaitingPermission
	filter := v1.FindTasksRequest{Status: &status}
	if v := c.Query("session_id"); v != "" {
		filter.SessionID = &v
	}
	tasks, err := a.sessions.FindTasks(c.Request.Context(), filter)
	if err != nil {
		a.fail(c, err)
		return
	}
	pending := make([]*v1.PermissionRequest, 0, len(tasks))
	for _, task := range tasks {
		if task.PermissionRequest != nil {
			pending = append(pending, task.PermissionRequest)
		}
	}
	c.JSON(http.StatusOK, pending)
}

func (a *restAPI) decidePermission(c *gin.Context) {
	var decision v1.PermissionDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := a.sessions.ResolvePermission(c.Request.Context(), decision); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": decision.RequestID,
		"behavior":   decision.Behavior,
		"scope":      decision.Scope,
	})
}
