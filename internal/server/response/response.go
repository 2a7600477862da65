// Package response renders the JSON envelope shared by all HTTP handlers:
// {"success":true,"data":...} or {"success":false,"error":"..."}.
package response

import "github.com/gin-gonic/gin"

// OK writes a success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// Fail writes a failure envelope with a human-readable message.
func Fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

// Abort writes a failure envelope and stops the handler chain.
func Abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}
