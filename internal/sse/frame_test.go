package sse

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameLineOrder(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, Frame{ID: "42", Event: "network-vpc-created", Data: []byte(`{"vpc_id":"v1"}`)})
	require.NoError(t, err)

	assert.Equal(t, "id: 42\nevent: network-vpc-created\ndata: {\"vpc_id\":\"v1\"}\n\n", buf.String())
}

func TestWriteFrameCompressed(t *testing.T) {
	payload := []byte(`{"blob":"` + strings.Repeat("x", 2048) + `"}`)
	data, compressed, err := encodeFrameData(payload, 1024)
	require.NoError(t, err)
	require.True(t, compressed)

	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, Frame{ID: "7", Event: "vm-status-update", Data: data, Compressed: true}))

	lines := strings.Split(buf.String(), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "id: 7", lines[0])
	assert.Equal(t, "event: vm-status-update", lines[1])
	assert.Equal(t, "compressed: true", lines[2])
	require.True(t, strings.HasPrefix(lines[3], "data: "))

	// The data line must round-trip through base64 + gzip to the original JSON.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(lines[3], "data: "))
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	decoded, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestEncodeFrameDataThresholdBoundary(t *testing.T) {
	payload := []byte(strings.Repeat("a", 64))

	// Exactly at the threshold stays uncompressed.
	data, compressed, err := encodeFrameData(payload, len(payload))
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, payload, data)

	// One byte over compresses.
	_, compressed, err = encodeFrameData(payload, len(payload)-1)
	require.NoError(t, err)
	assert.True(t, compressed)
}

func TestWriteRetryAndHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRetry(&buf, 3000))
	assert.Equal(t, "retry: 3000\n\n", buf.String())

	buf.Reset()
	require.NoError(t, writeHeartbeat(&buf))
	assert.Equal(t, ": heartbeat\n\n", buf.String())
}
