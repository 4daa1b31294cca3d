package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, c *websocket.Conn, event models.EventName, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(presence.Message{Event: event, Data: raw}))
}

func next(t *testing.T, c *websocket.Conn) presence.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m presence.Message
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func (e *testEnv) waitMembers(t *testing.T, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.reg.Members(room) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestWS_RejectsWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_OfferAcceptAndWithdraw(t *testing.T) {
	env := newTestEnv(t)
	riderTok := env.token(t, "rider-1", auth.RoleRider)
	aTok := env.token(t, "A", auth.RoleDriver)
	bTok := env.token(t, "B", auth.RoleDriver)

	a := env.dial(t, aTok)
	b := env.dial(t, bTok)
	rider := env.dial(t, riderTok)

	send(t, a, models.EventJoinDriver, "A")
	send(t, b, models.EventJoinDriver, map[string]string{"driverId": "B"})
	send(t, rider, models.EventJoinRider, "rider-1")
	env.waitMembers(t, models.BroadcastRoom, 2)
	env.waitMembers(t, models.RiderRoom("rider-1"), 1)

	send(t, a, models.EventDriverLocationUpdate, map[string]float64{"lat": 12.90, "lng": 77.60})
	send(t, b, models.EventDriverLocationUpdate, map[string]float64{"lat": 12.91, "lng": 77.61})
	require.Eventually(t, func() bool { return env.idx.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	status, body := env.do(t, "POST", "/ride/request", riderTok, map[string]float64{
		"pickupLat": 12.905, "pickupLng": 77.605, "dropoffLat": 12.95, "dropoffLng": 77.65,
	})
	require.Equal(t, http.StatusOK, status, body)
	rideID := rideOf(t, body)["id"].(string)

	for _, c := range []*websocket.Conn{a, b} {
		m := next(t, c)
		assert.Equal(t, models.EventNewRideRequest, m.Event)
		var offer models.RideOfferPayload
		require.NoError(t, json.Unmarshal(m.Data, &offer))
		assert.Equal(t, rideID, offer.RideID)
		assert.Equal(t, "rider-1", offer.RiderID)
	}

	status, _ = env.do(t, "POST", "/ride/respond", aTok, map[string]string{"rideId": rideID, "response": "accept"})
	require.Equal(t, http.StatusOK, status)

	m := next(t, b)
	assert.Equal(t, models.EventRideRemoved, m.Event)
	assert.JSONEq(t, `"`+rideID+`"`, string(m.Data))

	m = next(t, rider)
	assert.Equal(t, models.EventRideAccepted, m.Event)
	assert.JSONEq(t, `{"rideId":"`+rideID+`","driverId":"A"}`, string(m.Data))

	status, body = env.do(t, "POST", "/ride/respond", bTok, map[string]string{"rideId": rideID, "response": "accept"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ride_already_taken", body["code"])

	send(t, a, models.EventDriverLocationUpdate, map[string]any{"driverId": "A", "rideId": rideID, "lat": 12.906, "lng": 77.606})
	m = next(t, rider)
	assert.Equal(t, models.EventDriverLiveLocation, m.Event)
	assert.JSONEq(t, `{"driverId":"A","lat":12.906,"lng":77.606}`, string(m.Data))
}

func TestWS_JoinIsLimitedToOwnIdentity(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, env.token(t, "A", auth.RoleDriver))

	send(t, a, models.EventJoinDriver, "B")
	m := next(t, a)
	assert.Equal(t, models.EventError, m.Event)
	var perr models.ErrorPayload
	require.NoError(t, json.Unmarshal(m.Data, &perr))
	assert.Equal(t, "not_ride_participant", perr.Code)
	assert.Zero(t, env.reg.Members(models.DriverRoom("B")))

	send(t, a, models.EventJoinRider, "rider-1")
	assert.Equal(t, models.EventError, next(t, a).Event)

	send(t, a, "dance", nil)
	m = next(t, a)
	require.NoError(t, json.Unmarshal(m.Data, &perr))
	assert.Equal(t, "unknown_event", perr.Code)

	send(t, a, models.EventJoinDriverRoom, nil)
	env.waitMembers(t, models.BroadcastRoom, 1)
	send(t, a, models.EventLeaveRoom, models.BroadcastRoom)
	env.waitMembers(t, models.BroadcastRoom, 0)
}

func TestWS_DisconnectReleasesRooms(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, env.token(t, "A", auth.RoleDriver))
	send(t, a, models.EventJoinDriver, nil)
	env.waitMembers(t, models.BroadcastRoom, 1)
	env.waitMembers(t, models.DriverRoom("A"), 1)

	require.NoError(t, a.Close())
	env.waitMembers(t, models.BroadcastRoom, 0)
	env.waitMembers(t, models.DriverRoom("A"), 0)
}

func TestWS_DriverDisconnectLeavesGeoIndex(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "A", auth.RoleDriver)
	a := env.dial(t, tok)
	send(t, a, models.EventDriverLocationUpdate, map[string]float64{"lat": 12.90, "lng": 77.60})
	require.Eventually(t, func() bool { return env.idx.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return env.idx.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	rider := env.token(t, "rider-1", auth.RoleRider)
	status, body := env.do(t, "GET", "/driver/nearby?lat=12.90&lng=77.60", rider, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])
}

func TestWS_SecondSessionKeepsDriverIndexed(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "A", auth.RoleDriver)
	first := env.dial(t, tok)
	second := env.dial(t, tok)
	require.Eventually(t, func() bool { return env.reg.Sessions(models.DriverRoom("A")) == 2 }, 2*time.Second, 5*time.Millisecond)

	send(t, first, models.EventDriverLocationUpdate, map[string]float64{"lat": 12.90, "lng": 77.60})
	require.Eventually(t, func() bool { return env.idx.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return env.reg.Sessions(models.DriverRoom("A")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.idx.Len())

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return env.idx.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
