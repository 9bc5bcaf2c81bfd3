package mqttbroker

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 127, 128, 16383, 16384, 2097151, 268435455} {
		enc := encodeRemainingLength(n)
		got, err := readVarInt(bufio.NewReader(bytes.NewReader(enc)))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestParsePublish_QoS1CarriesPacketID(t *testing.T) {
	body := []byte{0x00, 0x03, 'a', '/', 'b', 0x12, 0x34, 'h', 'i'}

	msg, id, err := parsePublish(packetPublish<<4|0x02, body)
	require.NoError(t, err)
	assert.Equal(t, "a/b", msg.Topic)
	assert.Equal(t, byte(1), msg.QoS)
	assert.Equal(t, uint16(0x1234), id)
	assert.Equal(t, []byte("hi"), msg.Payload)
}

func TestParsePublish_RejectsQoS2(t *testing.T) {
	_, _, err := parsePublish(packetPublish<<4|0x04, []byte{0x00, 0x01, 'a'})
	assert.Error(t, err)
}

func TestBuildPublishPacket(t *testing.T) {
	packet, err := buildPublishPacket("a/b", []byte("xy"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x07, 0x00, 0x03, 'a', '/', 'b', 'x', 'y'}, packet)

	_, err = buildPublishPacket("", nil)
	assert.Error(t, err)
}

func TestBuildSubAck(t *testing.T) {
	packet, err := buildSubAck(7, []byte{0x00, 0x80})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x04, 0x00, 0x07, 0x00, 0x80}, packet)
}
