package web

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

var avatarTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// getAvatar serves a stored avatar by file name. Only plain names with a
// known image extension are served.
func (s *Server) getAvatar(c *gin.Context) {
	name := c.Param("file")
	contentType, ok := avatarTypes[filepath.Ext(name)]
	if !ok || filepath.Base(name) != name {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "public, max-age=86400")
	c.File(filepath.Join(s.avatarDir, name))
}
