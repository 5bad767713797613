package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentdeck-backend/pathutil"
)

// SessionTree handles GET /api/sessions/:id/tree?path= and lists files under
// the session's project directory inside the owning user's namespace. The
// path query is relative to the project root; traversal outside it is
// rejected before any filesystem access.
func SessionTree(c *gin.Context) {
	sess, ok := Scanner.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	rel := filepath.Clean("/" + strings.TrimSpace(c.Query("path")))
	// ProjectPath is container-side; the user dir mounts at /root.
	inUser := strings.TrimPrefix(sess.ProjectPath, "/root")
	root := filepath.Join(Containers.UserDir(sess.OwnerUserID), inUser)
	abs := filepath.Join(root, rel)
	if !pathutil.IsPathWithinBase(abs, root) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stat failed"})
		}
		return
	}
	if !info.IsDir() {
		// If it's a file, return single entry metadata
		c.JSON(http.StatusOK, gin.H{"items": []gin.H{{
			"name":       filepath.Base(abs),
			"path":       rel,
			"isDir":      false,
			"size":       info.Size(),
			"modifiedAt": info.ModTime().UTC().Format(time.RFC3339),
		}}})
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "readdir failed"})
		return
	}
	items := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, gin.H{
			"name":       e.Name(),
			"path":       filepath.Join(rel, e.Name()),
			"isDir":      e.IsDir(),
			"size":       fi.Size(),
			"modifiedAt": fi.ModTime().UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
