package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/mocks"
)

func newConn(endpoint schemas.ClientEndpoint, tabID int64) *mocks.MockConnection {
	return &mocks.MockConnection{
		ConnName:     MakeName(endpoint, tabID),
		ConnEndpoint: endpoint,
		ConnTabID:    tabID,
	}
}

func TestMakeAndParseName(t *testing.T) {
	name := MakeName(schemas.EndpointContentScript, 42)

	endpoint, tabID, err := ParseName(name)
	require.NoError(t, err)
	assert.Equal(t, schemas.EndpointContentScript, endpoint)
	assert.Equal(t, int64(42), tabID)

	t.Run("names are unique per call", func(t *testing.T) {
		other := MakeName(schemas.EndpointContentScript, 42)
		assert.NotEqual(t, name, other)
	})

	t.Run("malformed names are rejected", func(t *testing.T) {
		for _, bad := range []string{"", "popup", "popup-x-abc", "gopher-1-abc"} {
			_, _, err := ParseName(bad)
			assert.Error(t, err, "name %q", bad)
		}
	})
}

func TestRegistryLifecycle(t *testing.T) {
	r := New(zap.NewNop())

	popup := newConn(schemas.EndpointPopup, 0)
	cs := newConn(schemas.EndpointContentScript, 7)
	r.Add(popup)
	r.Add(cs)

	require.Equal(t, 2, r.Len())
	assert.Equal(t, popup, r.Get(popup.ConnName))

	removed := r.Remove(cs.ConnName)
	require.NotNil(t, removed)
	assert.Equal(t, 1, r.Len())
	assert.Nil(t, r.Remove(cs.ConnName), "double remove returns nil")
}

func TestBroadcastFilters(t *testing.T) {
	r := New(zap.NewNop())

	popup := newConn(schemas.EndpointPopup, 0)
	csTab1 := newConn(schemas.EndpointContentScript, 1)
	csTab2 := newConn(schemas.EndpointContentScript, 2)
	for _, c := range []*mocks.MockConnection{popup, csTab1, csTab2} {
		r.Add(c)
	}

	msg := schemas.Message{Type: schemas.MessageStateChange}

	t.Run("nil filter reaches everyone", func(t *testing.T) {
		r.Broadcast(msg, nil)
		assert.Len(t, popup.Sent(), 1)
		assert.Len(t, csTab1.Sent(), 1)
		assert.Len(t, csTab2.Sent(), 1)
	})

	t.Run("endpoint filter", func(t *testing.T) {
		r.Broadcast(msg, ForEndpoint(schemas.EndpointPopup))
		assert.Len(t, popup.Sent(), 2)
		assert.Len(t, csTab1.Sent(), 1)
	})

	t.Run("tab filter", func(t *testing.T) {
		r.Broadcast(msg, ForTab(schemas.EndpointContentScript, 2))
		assert.Len(t, csTab2.Sent(), 2)
		assert.Len(t, csTab1.Sent(), 1)
	})

	t.Run("send failures are swallowed", func(t *testing.T) {
		broken := newConn(schemas.EndpointPage, 3)
		broken.SendErr = errors.New("gone")
		r.Add(broken)
		r.Broadcast(msg, nil) // must not panic
	})
}

func TestNotificationBuffer(t *testing.T) {
	r := New(zap.NewNop())

	for i := 0; i < 3; i++ {
		r.BufferPush(schemas.Message{
			Type: schemas.MessageNotification,
			ID:   fmt.Sprintf("n%d", i),
		})
	}
	require.Equal(t, 3, r.BufferLen())

	t.Run("flush delivers in FIFO order and clears", func(t *testing.T) {
		popup := newConn(schemas.EndpointPopup, 0)
		r.BufferFlush(popup)

		sent := popup.Sent()
		require.Len(t, sent, 3)
		for i, msg := range sent {
			assert.Equal(t, fmt.Sprintf("n%d", i), msg.ID)
		}
		assert.Equal(t, 0, r.BufferLen())
	})

	t.Run("delivery failure drops the remainder", func(t *testing.T) {
		r.BufferPush(schemas.Message{ID: "x"})
		r.BufferPush(schemas.Message{ID: "y"})

		broken := newConn(schemas.EndpointPopup, 0)
		broken.SendErr = errors.New("closed")
		r.BufferFlush(broken)

		assert.Equal(t, 0, r.BufferLen(), "buffer is cleared even when delivery fails")
	})
}
