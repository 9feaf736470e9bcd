package conn

import "github.com/gorilla/websocket"

// Application-level close codes shared with the radio server. The
// quality-rejection code is a client/server convention, not a registered
// websocket code; keep it here so a contract change touches one line.
const (
	// CodeQualityRejected means the server refused the uplink because the
	// input audio is below the minimum sample rate / channel count. Terminal:
	// reconnecting with the same source would be rejected again.
	CodeQualityRejected = 4001
)

// cleanClose reports whether code is a deliberate shutdown that must not
// trigger reconnection.
func cleanClose(code int) bool {
	return code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
}
