package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRecvBufSizesToBucket(t *testing.T) {
	require.Len(t, getRecvBuf(100), 100)
	require.Equal(t, bufSize4k, cap(getRecvBuf(100)))

	require.Len(t, getRecvBuf(bufSize4k+1), bufSize4k+1)
	require.Equal(t, bufSize16k, cap(getRecvBuf(bufSize4k+1)))

	require.Len(t, getRecvBuf(bufSize16k+1), bufSize16k+1)
	require.Equal(t, bufSize64k, cap(getRecvBuf(bufSize16k+1)))
}

func TestPutRecvBufRoundTrips(t *testing.T) {
	buf := getRecvBuf(bufSize4k)
	putRecvBuf(buf)

	reused := getRecvBuf(10)
	require.Equal(t, bufSize4k, cap(reused))
}
