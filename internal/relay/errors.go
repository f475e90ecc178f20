package relay

// Custom WebSocket close codes. Standard codes (1000, 1001) are defined by RFC 6455; the 4000 range is reserved for
// application use.
const (
	CloseServerError      = 4000
	CloseDecodeError      = 4002
	CloseNotAuthenticated = 4003
	CloseAuthFailed       = 4004
	CloseAlreadyAuthed    = 4005
	CloseRateLimited      = 4008
	CloseSuperseded       = 4010
	CloseIdleTimeout      = 4011
	CloseConnectionLimit  = 4012
	CloseForcedByOperator = 4013
)
