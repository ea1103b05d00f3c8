// SPDX-License-Identifier: AGPL-3.0-only

package wire

import "errors"

// ErrMalformed is wrapped by every header-decode failure (tag/wire-type
// violation, bad ContentLength, duplicate required field, ...).
var ErrMalformed = errors.New("wire: malformed header")
