// SPDX-License-Identifier: AGPL-3.0-only

package ioconn_test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/tcpmsg/ioconn"
	"github.com/xendarboh/tcpmsg/wire"
)

func pipeConns() (*ioconn.ConnectionIO, *ioconn.ConnectionIO) {
	a, b := net.Pipe()
	return ioconn.New(a, 4096, 64*1024*1024), ioconn.New(b, 4096, 64*1024*1024)
}

func TestWriteReadMessageBuffered(t *testing.T) {
	client, server := pipeConns()
	defer client.Close()
	defer server.Close()

	h := &wire.Header{ContentLength: 5, Status: wire.StatusNormal}
	go func() {
		require.NoError(t, client.WriteMessage(h, bytes.NewReader([]byte("hello"))))
	}()

	gotH, payload, err := server.ReadMessage(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5), gotH.ContentLength)
	require.Equal(t, []byte("hello"), payload.Buffered)
}

func TestWriteMessageShortSourceClosesConnection(t *testing.T) {
	client, server := pipeConns()
	defer server.Close()

	h := &wire.Header{ContentLength: 10, Status: wire.StatusNormal}
	done := make(chan error, 1)
	go func() {
		done <- client.WriteMessage(h, bytes.NewReader([]byte("short")))
	}()

	err := <-done
	require.Error(t, err)
	require.True(t, client.Closed())
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	client, server := pipeConns()
	defer client.Close()
	defer server.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := &wire.Header{ContentLength: 5, Status: wire.StatusNormal}
			_ = client.WriteMessage(h, bytes.NewReader([]byte("abcde")))
		}(i)
	}

	received := 0
	go func() {
		wg.Wait()
	}()
	for received < n {
		_, payload, err := server.ReadMessage(nil)
		require.NoError(t, err)
		require.Equal(t, []byte("abcde"), payload.Buffered)
		received++
	}
}

func TestReadMessageStreamModeAboveThreshold(t *testing.T) {
	a, b := net.Pipe()
	client := ioconn.New(a, 4096, 8) // tiny threshold forces streaming
	server := ioconn.New(b, 4096, 8)
	defer client.Close()
	defer server.Close()

	payload := []byte("this payload is definitely over the threshold")
	h := &wire.Header{ContentLength: uint64(len(payload)), Status: wire.StatusNormal}
	go func() {
		_ = client.WriteMessage(h, bytes.NewReader(payload))
	}()

	_, got, err := server.ReadMessage(func(*wire.Header) bool { return true })
	require.NoError(t, err)
	require.NotNil(t, got.Stream)
	require.Nil(t, got.Buffered)

	out, err := io.ReadAll(got.Stream)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestClosedIsIdempotent(t *testing.T) {
	client, server := pipeConns()
	defer server.Close()
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.True(t, client.Closed())
}
