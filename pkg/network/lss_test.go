package network

import (
	"testing"
	"time"

	"github.com/samsamfire/gocanopen/pkg/lss"
	"github.com/samsamfire/gocanopen/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollLSS repeatedly calls step, passing the elapsed time since the
// previous call in microseconds, until it stops reporting
// [lss.StatusAwaitingSlave] or the deadline is reached.
func pollLSS(t *testing.T, step func(deltaUs uint32) lss.Status) lss.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := time.Now()
	for {
		now := time.Now()
		status := step(uint32(now.Sub(last).Microseconds()))
		last = now
		if status != lss.StatusAwaitingSlave {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatal("lss: timed out waiting for a terminal status")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLSSSwitch(t *testing.T) {
	network := CreateNetworkEmptyTest()
	network2 := CreateNetworkEmptyTest()
	defer network.Disconnect()
	defer network2.Disconnect()

	slaveOd := od.Default()
	// vendor, product, revision, sn
	slaveOd.Index(0x1018).PutUint32(1, 0xFF, true)
	slaveOd.Index(0x1018).PutUint32(2, 1234, true)
	slaveOd.Index(0x1018).PutUint32(3, 567, true)
	slaveOd.Index(0x1018).PutUint32(4, 1111, true)

	slave, err := network.CreateLocalNode(NodeIdTest, slaveOd)
	assert.Nil(t, err)
	assert.NotNil(t, slave)
	identity, _ := slave.Configurator().ReadIdentity()
	assert.EqualValues(t, 1111, identity.SerialNumber)

	master := network2.LSS()
	require.NotNil(t, master)

	t.Run("switch state global", func(t *testing.T) {
		status := master.SwitchStateGlobal(lss.ModeConfiguration)
		assert.Equal(t, lss.StatusOk, status)

		// Check that slave moves to configuration state
		assert.Eventually(t, func() bool {
			return slave.LSSSlave().GetState() == lss.StateConfiguration
		}, 5*time.Second, 10*time.Millisecond)

		// Check that slave moves to waiting state
		status = master.SwitchStateGlobal(lss.ModeWaiting)
		assert.Equal(t, lss.StatusOk, status)
		assert.Eventually(t, func() bool {
			return slave.LSSSlave().GetState() == lss.StateWaiting
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("switch state selective", func(t *testing.T) {
		status := pollLSS(t, func(deltaUs uint32) lss.Status {
			return master.SwitchStateSelective(deltaUs, lss.LSSAddress{Identity: *identity})
		})
		assert.Equal(t, lss.StatusOk, status)
		assert.Equal(t, lss.StateConfiguration, slave.LSSSlave().GetState())

		// Check that slave moves to waiting state
		status = master.SwitchStateGlobal(lss.ModeWaiting)
		assert.Equal(t, lss.StatusOk, status)
		assert.Eventually(t, func() bool {
			return slave.LSSSlave().GetState() == lss.StateWaiting
		}, 5*time.Second, 10*time.Millisecond)
	})
}
