package handler

import (
	"errors"
	"net/http"

	"basegraph.app/analysisd/internal/store"
	"github.com/gin-gonic/gin"
)

// fail writes a non-2xx response with the free-form "detail" body shape.
func fail(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"detail": detail})
}

// failStore maps a store error to a status code, treating ErrNotFound as
// 404 and anything else as an internal error.
func failStore(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "not found")
		return
	}
	fail(c, http.StatusInternalServerError, err.Error())
}
