package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/folio/internal/apperr"
)

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// pathID reads a snowflake path parameter, aborting the request when it
// does not parse.
func pathID(c *gin.Context, name string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	if parsed, err := snowflake.ParseString(id); err != nil || parsed <= 0 {
		AbortWithError(c, invalidIDError(name))
		return "", false
	}
	return id, true
}

// forceParam reads ?force=true, used to override line item protection.
func forceParam(c *gin.Context) (bool, bool) {
	force, err := parseOptionalBool(c.Query("force"))
	if err != nil {
		AbortWithError(c, apperr.Validation("force", "invalid_force", "force must be a boolean"))
		return false, false
	}
	return force != nil && *force, true
}
