package schema

import "errors"

var (
	// ErrLocalIO indicates the token scratch file could not be written or closed.
	ErrLocalIO = errors.New("local token file error")
	// ErrTransfer indicates the secure token transfer failed (auth or transport).
	ErrTransfer = errors.New("token transfer failed")
	// ErrConnect indicates the command socket could not be opened.
	ErrConnect = errors.New("command connect failed")
	// ErrDecode indicates a malformed frame or sub-image.
	ErrDecode = errors.New("frame decode failed")
	// ErrStreamEnd marks graceful termination of the monitor stream (EOF or truncation).
	ErrStreamEnd = errors.New("monitor stream ended")
	// ErrFrameTooLarge indicates a declared frame length above the configured limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMonitorConnect indicates the monitor socket could not be opened.
	ErrMonitorConnect = errors.New("monitor connect failed")
	// ErrAlreadyConnected indicates a connect attempt while a session is live.
	ErrAlreadyConnected = errors.New("session already active")
	// ErrCancelled indicates a connect attempt aborted by disconnect.
	ErrCancelled = errors.New("connect cancelled")
	// ErrInvalidTransition indicates an event not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidHost indicates an empty or malformed host.
	ErrInvalidHost = errors.New("invalid host")
	// ErrInvalidParameters indicates connection parameters that fail validation.
	ErrInvalidParameters = errors.New("invalid connection parameters")
)

// User-facing messages attached to Error results.
const (
	MsgCannotWriteToken  = "Cannot write token file!"
	MsgCannotCloseToken  = "Cannot close token file!"
	MsgCannotSendToken   = "Cannot send token to server!"
	MsgServerNotRunning  = "Server not running!"
	MsgAlreadyConnected  = "Already connected!"
	MsgConnectCancelled  = "Connection cancelled!"
	MsgInvalidParameters = "Invalid connection parameters!"
)
