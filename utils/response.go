package utils

import "github.com/gin-gonic/gin"

// ErrorResponse is the uniform failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// OK writes a 200 response with success=true merged into data.
func OK(ctx *gin.Context, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	ctx.JSON(200, body)
}

// Fail writes the failure envelope with the given status code.
func Fail(ctx *gin.Context, status int, message string) {
	ctx.JSON(status, ErrorResponse{Success: false, Error: message})
}
