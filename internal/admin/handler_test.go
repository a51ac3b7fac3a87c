package admin

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliumvc/focus/internal/focus"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(focus.NewConferenceRegistry(nil, nil, 0))
}

func newTestContext(t *testing.T, method, path string, body []byte, roomParam string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if body != nil {
		c.Request = httptest.NewRequest(method, path, bytes.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")
	} else {
		c.Request = httptest.NewRequest(method, path, nil)
	}
	c.Params = gin.Params{{Key: "room", Value: roomParam}}
	return c, w
}

func TestHandler_Pin_CreatesPin(t *testing.T) {
	h := testHandler(t)
	c, w := newTestContext(t, "POST", "/conferences/room1/pin", []byte(`{"reason":"debugging","ttl_seconds":60}`), "room1@conference.example.net")

	h.Pin(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "debugging")
}

func TestHandler_Pin_RequiresReason(t *testing.T) {
	h := testHandler(t)
	c, w := newTestContext(t, "POST", "/conferences/room1/pin", []byte(`{}`), "room1@conference.example.net")

	h.Pin(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Pin_RejectsInvalidRoom(t *testing.T) {
	h := testHandler(t)
	c, w := newTestContext(t, "POST", "/conferences//pin", []byte(`{"reason":"x"}`), "")

	h.Pin(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Unpin_RemovesPin(t *testing.T) {
	h := testHandler(t)
	pinCtx, _ := newTestContext(t, "POST", "/conferences/room1/pin", []byte(`{"reason":"debugging"}`), "room1@conference.example.net")
	h.Pin(pinCtx)

	c, w := newTestContext(t, "DELETE", "/conferences/room1/pin", nil, "room1@conference.example.net")
	h.Unpin(c)

	assert.Equal(t, http.StatusNoContent, w.Code)

	listCtx, listW := newTestContext(t, "GET", "/pins", nil, "")
	h.ListPins(listCtx)
	assert.Contains(t, listW.Body.String(), `"pins":[]`)
}

func TestHandler_ListPins_ReturnsActivePins(t *testing.T) {
	h := testHandler(t)
	pinCtx, pinW := newTestContext(t, "POST", "/conferences/room1/pin", []byte(`{"reason":"incident-123"}`), "room1@conference.example.net")
	h.Pin(pinCtx)
	require.Equal(t, http.StatusOK, pinW.Code)

	c, w := newTestContext(t, "GET", "/pins", nil, "")
	h.ListPins(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "incident-123")
}
