// SPDX-License-Identifier: AGPL-3.0-only

package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/tcpmsg/client"
	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/server"
)

func TestClientServerEchoRoundTrip(t *testing.T) {
	serverSettings := config.Defaults()
	gotReq := make(chan []byte, 1)
	srv, err := server.New(serverSettings, events.Handlers{
		OnSyncReq: func(peer string, metadata map[string]interface{}, payload []byte) ([]byte, map[string]interface{}) {
			gotReq <- payload
			return append([]byte("echo:"), payload...), nil
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	addr := srv.Addr().(*net.TCPAddr)

	clientSettings := config.Defaults()
	ep, err := client.New(clientSettings, events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, ep.Connect("127.0.0.1", addr.Port))
	defer ep.Disconnect()

	resp, err := ep.SendAndWait(2*time.Second, []byte("ping"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("echo:ping"), resp.Payload)

	select {
	case got := <-gotReq:
		require.Equal(t, []byte("ping"), got)
	case <-time.After(time.Second):
		t.Fatal("server never observed request")
	}

	require.Eventually(t, func() bool {
		return len(srv.ListClients()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerRejectsNonPermittedIP(t *testing.T) {
	settings := config.Defaults()
	settings.PermittedIPs = []string{"192.0.2.1"} // TEST-NET-1, never matches 127.0.0.1

	srv, err := server.New(settings, events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	addr := srv.Addr().(*net.TCPAddr)
	ep, err := client.New(config.Defaults(), events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, ep.Connect("127.0.0.1", addr.Port))
	defer ep.Disconnect()

	require.Never(t, func() bool {
		return len(srv.ListClients()) > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestDisconnectClientSendsRemoved(t *testing.T) {
	settings := config.Defaults()
	gotReason := make(chan events.DisconnectReason, 1)

	srv, err := server.New(settings, events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	addr := srv.Addr().(*net.TCPAddr)
	ep, err := client.New(config.Defaults(), events.Handlers{
		ServerDisconnected: func(reason events.DisconnectReason) { gotReason <- reason },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, ep.Connect("127.0.0.1", addr.Port))

	require.Eventually(t, func() bool {
		return len(srv.ListClients()) == 1
	}, time.Second, 10*time.Millisecond)

	peerAddr := srv.ListClients()[0]
	require.NoError(t, srv.DisconnectClient(peerAddr, events.ReasonRemoved))

	select {
	case reason := <-gotReason:
		require.Equal(t, events.ReasonRemoved, reason)
	case <-time.After(time.Second):
		t.Fatal("client never observed server-initiated disconnect")
	}
}

func TestServerMaxConnectionsEnforced(t *testing.T) {
	settings := config.Defaults()
	settings.MaxConnections = 1

	srv, err := server.New(settings, events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	addr := srv.Addr().(*net.TCPAddr)

	ep1, err := client.New(config.Defaults(), events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, ep1.Connect("127.0.0.1", addr.Port))
	defer ep1.Disconnect()

	require.Eventually(t, func() bool {
		return len(srv.ListClients()) == 1
	}, time.Second, 10*time.Millisecond)

	ep2, err := client.New(config.Defaults(), events.Handlers{}, nil)
	require.NoError(t, err)
	require.NoError(t, ep2.Connect("127.0.0.1", addr.Port))
	defer ep2.Disconnect()

	require.Never(t, func() bool {
		return len(srv.ListClients()) > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}
