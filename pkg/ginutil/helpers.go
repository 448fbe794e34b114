package ginutil

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// QueryInt extracts an integer from query parameters with default value
func QueryInt(c *gin.Context, key string, defaultValue int) int {
	valueStr := c.Query(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// ParamID extracts a positive database id from path parameters
func ParamID(c *gin.Context, key string) (uint64, error) {
	return parseID(c.Param(key))
}

// QueryID extracts an optional positive id from query parameters.
// A missing key yields nil without error.
func QueryID(c *gin.Context, key string) (*uint64, error) {
	valueStr, ok := c.GetQuery(key)
	if !ok || valueStr == "" {
		return nil, nil
	}
	id, err := parseID(valueStr)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}
