package storage

import (
	"testing"

	"github.com/FerroO2000/robocomm/adapter"
	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/FerroO2000/robocomm/pubsub"
	"github.com/stretchr/testify/assert"
)

func Test_Board(t *testing.T) {
	assert := assert.New(t)

	board := NewBoard()

	locPub := pubsub.NewPublisher[msgs.Localization](envelope.MsgTypeLocalization, adapter.NewTextLocalization())
	imuPub := pubsub.NewPublisher[msgs.IMU](envelope.MsgTypeIMU, adapter.NewJSONIMU())

	assert.NoError(board.Attach(locPub, imuPub, nil))

	snap := board.Snapshot()
	assert.Nil(snap.Localization)
	assert.Nil(snap.IMU)
	assert.False(snap.IsComplete())

	env := envelope.New(envelope.ProtocolTCP, envelope.MsgTypeLocalization, []byte("2.0,5.0,1.0"))
	assert.NoError(locPub.Publish(t.Context(), env))

	snap = board.Snapshot()
	if assert.NotNil(snap.Localization) {
		assert.Equal(2.0, snap.Localization.Value.Pose.X)
		assert.Equal(uint64(1), snap.Localization.Seq)
	}
	assert.Nil(snap.IMU)
	assert.Nil(snap.LaserScan)

	// Attaching to sealed publishers fails
	locPub.Seal()
	assert.ErrorIs(board.Attach(locPub, nil, nil), pubsub.ErrRegistrySealed)
}
