package ginutil

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(target string, params gin.Params) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", target, nil)
	c.Params = params
	return c
}

func TestQueryInt(t *testing.T) {
	c := testContext("/?page=3&size=abc", nil)
	assert.Equal(t, 3, QueryInt(c, "page", 1))
	assert.Equal(t, 20, QueryInt(c, "size", 20))
	assert.Equal(t, 7, QueryInt(c, "missing", 7))
}

func TestParamID(t *testing.T) {
	tests := []struct {
		value   string
		want    uint64
		wantErr bool
	}{
		{"42", 42, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		c := testContext("/", gin.Params{{Key: "id", Value: tt.value}})
		got, err := ParamID(c, "id")
		if tt.wantErr {
			assert.Error(t, err, tt.value)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestQueryID(t *testing.T) {
	id, err := QueryID(testContext("/?upToId=9", nil), "upToId")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, uint64(9), *id)

	id, err = QueryID(testContext("/", nil), "upToId")
	require.NoError(t, err)
	assert.Nil(t, id)

	_, err = QueryID(testContext("/?upToId=x", nil), "upToId")
	assert.Error(t, err)
}
