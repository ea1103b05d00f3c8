// SPDX-License-Identifier: AGPL-3.0-only

package session_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tcpmsg "github.com/xendarboh/tcpmsg"
	"github.com/xendarboh/tcpmsg/config"
	"github.com/xendarboh/tcpmsg/events"
	"github.com/xendarboh/tcpmsg/ioconn"
	"github.com/xendarboh/tcpmsg/session"
	"github.com/xendarboh/tcpmsg/syncreg"
)

func pipeSessions(t *testing.T, clientHandlers, serverHandlers events.Handlers, settings config.Settings) (*session.Session, *session.Session) {
	t.Helper()
	a, b := net.Pipe()

	clientConn := ioconn.New(a, 4096, 64*1024*1024)
	serverConn := ioconn.New(b, 4096, 64*1024*1024)

	client := session.New(session.Options{
		Conn:     clientConn,
		Settings: settings,
		Handlers: clientHandlers,
		Registry: syncreg.New(nil),
		Peer:     "client",
		IsServer: false,
	})
	server := session.New(session.Options{
		Conn:     serverConn,
		Settings: settings,
		Handlers: serverHandlers,
		Registry: syncreg.New(nil),
		Peer:     "server",
		IsServer: true,
	})

	client.Start()
	server.Start()
	t.Cleanup(func() {
		_ = client.Disconnect()
		_ = server.Disconnect()
	})
	return client, server
}

func TestSendDeliversBufferedMessage(t *testing.T) {
	received := make(chan []byte, 1)
	serverHandlers := events.Handlers{
		OnMessage: func(peer string, metadata map[string]interface{}, payload []byte) {
			received <- payload
		},
	}

	settings := config.Defaults()
	client, _ := pipeSessions(t, events.Handlers{}, serverHandlers, settings)

	require.NoError(t, client.Send([]byte("hello"), nil))

	select {
	case got := <-received:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNoPSKReachesSteadyWithoutChallenge(t *testing.T) {
	settings := config.Defaults()
	client, server := pipeSessions(t, events.Handlers{}, events.Handlers{}, settings)

	require.Eventually(t, func() bool {
		return client.State() == session.StateSteady
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, session.StateSteady, server.State())
}

func TestPSKHandshakeSucceeds(t *testing.T) {
	psk := []byte("0123456789abcdef")

	serverSettings := config.Defaults()
	require.NoError(t, serverSettings.WithPresharedKey(psk))
	defer serverSettings.Destroy()

	clientSettings := config.Defaults()

	authOK := make(chan bool, 1)
	clientHandlers := events.Handlers{
		ProvidePSK: func() ([]byte, bool) { return psk, true },
		AuthenticationSucceeded: func() {
			authOK <- true
		},
	}

	client, server := pipeSessionsDifferentSettings(t, clientHandlers, events.Handlers{}, clientSettings, serverSettings)
	require.NoError(t, server.RequireAuth())

	select {
	case ok := <-authOK:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for authentication")
	}
	require.Equal(t, session.StateSteady, client.State())
}

func TestPSKHandshakeFails(t *testing.T) {
	serverSettings := config.Defaults()
	require.NoError(t, serverSettings.WithPresharedKey([]byte("0123456789abcdef")))
	defer serverSettings.Destroy()

	clientSettings := config.Defaults()

	authFailed := make(chan struct{}, 1)
	clientHandlers := events.Handlers{
		ProvidePSK: func() ([]byte, bool) { return []byte("wrongwrongwrongw"), true },
		AuthenticationFailed: func() {
			authFailed <- struct{}{}
		},
	}

	_, server := pipeSessionsDifferentSettings(t, clientHandlers, events.Handlers{}, clientSettings, serverSettings)
	require.NoError(t, server.RequireAuth())

	select {
	case <-authFailed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for authentication failure")
	}
}

func TestSendAndWaitRoundTrip(t *testing.T) {
	settings := config.Defaults()
	serverHandlers := events.Handlers{
		OnSyncReq: func(peer string, metadata map[string]interface{}, payload []byte) ([]byte, map[string]interface{}) {
			return append([]byte("pong:"), payload...), nil
		},
	}
	client, _ := pipeSessions(t, events.Handlers{}, serverHandlers, settings)

	resp, err := client.SendAndWait(2*time.Second, []byte("ping"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("pong:ping"), resp.Payload)
}

func TestSendAndWaitTimesOutWithoutHandler(t *testing.T) {
	settings := config.Defaults()
	client, _ := pipeSessions(t, events.Handlers{}, events.Handlers{}, settings)

	_, err := client.SendAndWait(syncreg.MinTimeout, []byte("ping"), nil)
	require.ErrorIs(t, err, syncreg.ErrSyncTimeout)
	require.ErrorIs(t, err, tcpmsg.ErrTimeout)
}

func TestIdleWatchdogTerminatesSession(t *testing.T) {
	settings := config.Defaults()
	settings.IdleClientTimeout = 50 * time.Millisecond
	settings.IdleEvalInterval = 10 * time.Millisecond

	disconnects := make(chan events.DisconnectReason, 1)
	clientHandlers := events.Handlers{
		ServerDisconnected: func(reason events.DisconnectReason) {
			disconnects <- reason
		},
	}
	client, _ := pipeSessions(t, clientHandlers, events.Handlers{}, settings)

	select {
	case reason := <-disconnects:
		require.Equal(t, events.ReasonTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle-timeout disconnect")
	}
	require.Equal(t, session.StateClosed, client.State())
}

func TestDisconnectFiresEventOnce(t *testing.T) {
	settings := config.Defaults()
	disconnects := make(chan events.DisconnectReason, 2)
	clientHandlers := events.Handlers{
		ServerDisconnected: func(reason events.DisconnectReason) {
			disconnects <- reason
		},
	}
	client, _ := pipeSessions(t, clientHandlers, events.Handlers{}, settings)

	require.NoError(t, client.Disconnect())
	require.ErrorIs(t, client.Disconnect(), session.ErrNotConnected)

	select {
	case reason := <-disconnects:
		require.Equal(t, events.ReasonNormal, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
	require.Len(t, disconnects, 0)
}

func pipeSessionsDifferentSettings(t *testing.T, clientHandlers, serverHandlers events.Handlers, clientSettings, serverSettings config.Settings) (*session.Session, *session.Session) {
	t.Helper()
	a, b := net.Pipe()

	client := session.New(session.Options{
		Conn:     ioconn.New(a, 4096, 64*1024*1024),
		Settings: clientSettings,
		Handlers: clientHandlers,
		Registry: syncreg.New(nil),
		Peer:     "client",
		IsServer: false,
	})
	server := session.New(session.Options{
		Conn:     ioconn.New(b, 4096, 64*1024*1024),
		Settings: serverSettings,
		Handlers: serverHandlers,
		Registry: syncreg.New(nil),
		Peer:     "server",
		IsServer: true,
	})

	client.Start()
	server.Start()
	t.Cleanup(func() {
		_ = client.Disconnect()
		_ = server.Disconnect()
	})
	return client, server
}
