package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"crm-copilot/internal/domain"
)

func TestWebSocketPush(t *testing.T) {
	srv := httptest.NewServer(newTestRoutes(t, newFakeAssistant()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/assist/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"message": "email jane"}))

	var frames []wsFrame
	for range 3 {
		var f wsFrame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		frames = append(frames, f)
	}
	assert.Equal(t, "delta", frames[0].Type)
	assert.Equal(t, "Email ", frames[0].Text)
	assert.Equal(t, "sent.", frames[1].Text)
	assert.Equal(t, "done", frames[2].Type)
	require.NotNil(t, frames[2].Result)
	assert.Equal(t, "Email sent.", frames[2].Result.Text)

	// The socket stays open for the next request.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{}))
	var f wsFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, "error", f.Type)
	require.NotNil(t, f.Error)
	assert.Equal(t, domain.CodeInvalidInput, f.Error.Code)

	assert.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}
