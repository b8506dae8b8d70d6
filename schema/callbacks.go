package schema

import "image"

// FrameSink receives monitor output. OnStop is called exactly once per
// monitor run, after the last OnFrame.
type FrameSink struct {
	OnFrame func(*image.RGBA)
	OnStop  func(error)
}

// Callbacks carries the caller-facing notifications of a client session.
type Callbacks struct {
	OnConnect     func(Result)
	OnFrame       func(*image.RGBA)
	OnMonitorStop func(error)
}
