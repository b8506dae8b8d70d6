package piclient

import (
	"image"

	"pkt.systems/piclient/schema"
)

type callbackFanout []schema.Callbacks

func (f callbackFanout) callbacks() schema.Callbacks {
	return schema.Callbacks{
		OnConnect:     f.onConnect,
		OnFrame:       f.onFrame,
		OnMonitorStop: f.onMonitorStop,
	}
}

func (f callbackFanout) onConnect(res schema.Result) {
	for _, cb := range f {
		if cb.OnConnect != nil {
			cb.OnConnect(res)
		}
	}
}

func (f callbackFanout) onFrame(img *image.RGBA) {
	for _, cb := range f {
		if cb.OnFrame != nil {
			cb.OnFrame(img)
		}
	}
}

func (f callbackFanout) onMonitorStop(err error) {
	for _, cb := range f {
		if cb.OnMonitorStop != nil {
			cb.OnMonitorStop(err)
		}
	}
}
