// SPDX-License-Identifier: AGPL-3.0-only

package tcpmsg_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	tcpmsg "github.com/xendarboh/tcpmsg"
)

func TestProtocolErrorUnwraps(t *testing.T) {
	cause := errors.New("duplicate ConversationId")
	err := tcpmsg.NewProtocolError("duplicate ConversationId: %v", cause)

	var protoErr *tcpmsg.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	require.Contains(t, protoErr.Error(), "duplicate ConversationId")
}

func TestConnectErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := tcpmsg.NewConnectError("dialing 127.0.0.1:0: %v", cause)

	var connErr *tcpmsg.ConnectError
	require.True(t, errors.As(err, &connErr))
}
