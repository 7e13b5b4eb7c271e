package monitoring

import "jamlink/internal/core/domain"

// NopCollector discards all metrics. Used in tests, where registering on the
// default prometheus registry more than once would panic.
type NopCollector struct{}

func NewNopCollector() *NopCollector { return &NopCollector{} }

func (*NopCollector) RoomCreated()                  {}
func (*NopCollector) RoomDeleted()                  {}
func (*NopCollector) PeerJoined(domain.Slug)        {}
func (*NopCollector) PeerLeft(domain.Slug)          {}
func (*NopCollector) JoinRejected()                 {}
func (*NopCollector) SignalRelayed(string)          {}
