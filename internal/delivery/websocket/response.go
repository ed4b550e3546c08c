package websocket

import "friendfinder/pkg/protocol"

var (
	invalidPayload   = protocol.MessageError{Error: "invalid payload"}
	identityMismatch = protocol.MessageError{Error: "identity does not match connection"}
)
