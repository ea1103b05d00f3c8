// SPDX-License-Identifier: AGPL-3.0-only

package syncreg

import "errors"

// ErrSyncTimeout is returned by Wait when the deadline passes before a
// matching response arrives.
var ErrSyncTimeout = errors.New("syncreg: timed out waiting for response")

// ErrRegistryClosed is returned by Wait when the registry is halted
// (endpoint shutdown) while a caller is still parked.
var ErrRegistryClosed = errors.New("syncreg: registry closed")
