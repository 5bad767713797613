package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"agentdeck-backend/discovery"
	"agentdeck-backend/sandbox"
	"agentdeck-backend/types"
)

// anonUserID is the namespace used when auth is disabled (single-user mode).
const anonUserID = "default"

// activeExecs tracks the in-flight agent exec per session so interrupt can
// reach it. One exec per session at a time.
var (
	execMu      sync.Mutex
	activeExecs = map[string]sandbox.Handle{}
)

func registerExec(sessionID string, h sandbox.Handle) {
	execMu.Lock()
	activeExecs[sessionID] = h
	execMu.Unlock()
}

func unregisterExec(sessionID string) {
	execMu.Lock()
	delete(activeExecs, sessionID)
	execMu.Unlock()
}

func lookupExec(sessionID string) (sandbox.Handle, bool) {
	execMu.Lock()
	defer execMu.Unlock()
	h, ok := activeExecs[sessionID]
	return h, ok
}

// execUserID resolves the namespace that sandbox operations run in for the
// current caller.
func execUserID(c *gin.Context) string {
	if id := callerID(c); id != "" {
		return id
	}
	return anonUserID
}

// containerErrorStatus maps container failures onto HTTP statuses. Daemon
// unavailability is an upstream failure, everything else is ours.
func containerErrorStatus(err error) int {
	var cerr *types.ContainerError
	if errors.As(err, &cerr) && cerr.Kind == types.ContainerUnavailable {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ListSessions returns the caller's sessions, newest activity first. With
// auth disabled every session is visible.
func ListSessions(c *gin.Context) {
	var sessions []*types.Session
	if AuthEnabled() {
		sessions = Scanner.SessionsForUser(callerID(c))
	} else {
		sessions = Scanner.AllSessions()
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// SessionStatus returns session metadata plus transcript-derived token usage
// and the owning user's container state.
func SessionStatus(c *gin.Context) {
	sess, ok := Scanner.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	usage, err := discovery.SessionTokenUsage(sess.Path)
	if err != nil {
		log.Printf("Failed to compute token usage for session %s: %v", sess.ID, err)
	}
	model, _ := discovery.SessionModel(sess.Path)

	_, running := lookupExec(sess.ID)
	c.JSON(http.StatusOK, gin.H{
		"session":        sess,
		"usage":          usage,
		"model":          model,
		"containerState": Containers.Inspect(sess.OwnerUserID),
		"working":        running,
	})
}

// SessionMessages returns the parsed transcript.
func SessionMessages(c *gin.Context) {
	sess, ok := Scanner.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	messages, err := discovery.ReadMessages(sess.Path)
	if err != nil {
		log.Printf("Failed to read transcript for session %s: %v", sess.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transcript"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type sendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// SendMessage resumes the session inside the owner's sandbox and feeds the
// message on stdin. The handler returns once the exec is started; output
// lands in the transcript and reaches clients through the watcher.
func SendMessage(c *gin.Context) {
	sess, ok := Scanner.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if _, busy := lookupExec(sess.ID); busy {
		c.JSON(http.StatusConflict, gin.H{"error": "session is already processing a message"})
		return
	}

	owner := sess.OwnerUserID
	if err := Containers.Ensure(c.Request.Context(), owner); err != nil {
		log.Printf("Failed to ensure container for user %s: %v", owner, err)
		c.JSON(containerErrorStatus(err), gin.H{"error": "sandbox unavailable"})
		return
	}
	// The exec must outlive this request: the handler responds 202 and the
	// agent keeps running, with output reaching clients through the watcher.
	spec := Containers.BuildSendCommand(owner, sess.ID, req.Message)
	handle, err := Containers.Exec(context.WithoutCancel(c.Request.Context()), owner, spec)
	if err != nil {
		log.Printf("Failed to exec in container for user %s: %v", owner, err)
		c.JSON(containerErrorStatus(err), gin.H{"error": "failed to start agent"})
		return
	}

	registerExec(sess.ID, handle)
	go func() {
		defer unregisterExec(sess.ID)
		if err := handle.Wait(); err != nil {
			log.Printf("Agent exec for session %s exited: %v", sess.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type createSessionRequest struct {
	Message string `json:"message" binding:"required"`
}

// CreateSession starts a fresh agent session in the caller's own sandbox.
// The new transcript appears through discovery once the agent writes it.
func CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	userID := execUserID(c)

	if err := Containers.Ensure(c.Request.Context(), userID); err != nil {
		log.Printf("Failed to ensure container for user %s: %v", userID, err)
		c.JSON(containerErrorStatus(err), gin.H{"error": "sandbox unavailable"})
		return
	}
	spec := Containers.BuildNewSessionCommand(userID, req.Message)
	handle, err := Containers.Exec(context.WithoutCancel(c.Request.Context()), userID, spec)
	if err != nil {
		log.Printf("Failed to exec in container for user %s: %v", userID, err)
		c.JSON(containerErrorStatus(err), gin.H{"error": "failed to start agent"})
		return
	}
	go func() {
		if err := handle.Wait(); err != nil {
			log.Printf("New-session exec for user %s exited: %v", userID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "user": userID})
}

// ForkSession is unsupported: sessions cannot be forked across the sandbox
// boundary, and the capability flag says so.
func ForkSession(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "session fork is not supported"})
}

// GrantPermission is unsupported: the sandbox runtime is the security
// boundary and the agent runs with permission prompts disabled.
func GrantPermission(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "permission prompts are not supported"})
}

// InterruptSession signals the session's in-flight exec, if any.
func InterruptSession(c *gin.Context) {
	sessionID := c.Param("id")
	handle, ok := lookupExec(sessionID)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "no message in flight"})
		return
	}
	if err := handle.Interrupt(); err != nil {
		log.Printf("Failed to interrupt exec for session %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to interrupt"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// GetCapabilities reports which optional operations this backend supports.
func GetCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, types.Capabilities{
		SendMessage:         true,
		ForkSession:         false,
		PermissionDetection: false,
		Summarize:           true,
	})
}
