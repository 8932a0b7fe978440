package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, http.StatusNotFound, errors.New("no logs for 2024-01-01"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Not Found", resp.Error)
	assert.Equal(t, "no logs for 2024-01-01", resp.Message)
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		url    string
		want   int
		wantOK bool
	}{
		{"/v1/chat", 100, true},
		{"/v1/chat?limit=20", 20, true},
		{"/v1/chat?limit=-1", 0, false},
		{"/v1/chat?limit=ten", 0, false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.url, nil)
		got, ok := QueryInt(r, "limit", 100)
		assert.Equal(t, tt.wantOK, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}
