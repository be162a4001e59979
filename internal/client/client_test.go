package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	c := New()
	assert.Equal(t, DefaultBrokerAddress, c.brokerAddr)

	c = New(WithBrokerAddress("unix:///tmp/other.sock"), WithTimeout(time.Second))
	assert.Equal(t, "unix:///tmp/other.sock", c.brokerAddr)
	assert.Equal(t, time.Second, c.timeout)

	// An empty address keeps the default.
	c = New(WithBrokerAddress(""))
	assert.Equal(t, DefaultBrokerAddress, c.brokerAddr)
}

func TestOperationsRequireDial(t *testing.T) {
	c := New()

	_, _, err := c.Connect(nil)
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Subscribe("1-001")
	require.ErrorIs(t, err, ErrNotConnected)

	require.ErrorIs(t, c.Disconnect(), ErrNotConnected)
	require.ErrorIs(t, c.FlowControl("1-001", "flowing"), ErrNotConnected)
}

func TestDialUnreachableBroker(t *testing.T) {
	c := New(WithBrokerAddress("unix:///nonexistent/gbe/router.sock"))
	require.Error(t, c.Dial())
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
