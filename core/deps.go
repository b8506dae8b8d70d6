package core

import (
	"context"

	"pkt.systems/piclient/schema"
	"pkt.systems/pslog"
)

// Poster runs functions on the caller's callback context. Post must not block
// and must preserve submission order.
type Poster interface {
	Post(fn func()) error
}

// TokenTransfer delivers the local token file to the server.
type TokenTransfer interface {
	Send(ctx context.Context, req schema.TransferRequest) error
}

// CommandChannel is the serialized command socket. Connect must not leave a
// socket open when ctx has ended before the result is reported.
type CommandChannel interface {
	Connect(ctx context.Context, host schema.Host, cb func(schema.Result))
	Disconnect()
	SendCommand(text string)
	SendToken(token schema.Token)
}

// FrameMonitor streams frames until stopped.
type FrameMonitor interface {
	Start(ctx context.Context, host schema.Host, sink schema.FrameSink) (stop func())
}

// ManagerDeps captures the capabilities a Manager drives.
type ManagerDeps struct {
	Transfer TokenTransfer
	Command  CommandChannel
	Monitor  FrameMonitor
	// Poster receives every callback. Nil gives the Manager its own looper.
	Poster Poster
	Logger pslog.Logger
}

// Config configures a Manager.
type Config struct {
	// TokenDir holds the local token scratch file. Empty uses os.TempDir.
	TokenDir string
	// RemotePath is where the server expects the token.
	RemotePath string
	// PoolSize bounds concurrent connect tasks.
	PoolSize int
}

// DefaultPoolSize is the connect worker pool width.
const DefaultPoolSize = 4
