package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestSession_JoinPublishAndDisconnect(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := NewRegistry(logger)
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewSession(conn, logger)
		s.Serve(r.Context(), reg, func(_ context.Context, s *Session, msg Message) {
			if msg.Event == models.EventJoinDriver {
				_ = reg.Join(s.ID(), models.BroadcastRoom)
				s.Send(models.EventJoinDriver, map[string]bool{"ok": true})
			}
		})
		close(done)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, client.WriteJSON(Message{Event: models.EventJoinDriver}))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack Message
	require.NoError(t, client.ReadJSON(&ack))
	assert.Equal(t, models.EventJoinDriver, ack.Event)

	require.NoError(t, reg.Publish(context.Background(), models.BroadcastRoom, models.EventRideRemoved, "ride-9"))
	var got Message
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, models.EventRideRemoved, got.Event)
	assert.JSONEq(t, `"ride-9"`, string(got.Data))

	require.NoError(t, client.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after client closed")
	}
	assert.Zero(t, reg.Members(models.BroadcastRoom))
}
