package clock

import (
	"sync/atomic"
	"time"
)

// An offset clock shifts the system clock forward by an adjustable amount.
// Tests use it to exercise time-dependent behavior without sleeping.
type OffsetClock struct {
	offsetMicro uint64
}

func NewOffsetClock() *OffsetClock {
	return &OffsetClock{}
}

func (oc *OffsetClock) AdvanceMs(a uint64) {
	atomic.AddUint64(&oc.offsetMicro, a*1000)
}

func (oc *OffsetClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro()) + atomic.LoadUint64(&oc.offsetMicro)
}

func (oc *OffsetClock) CurrentTimeMs() uint64 {
	return oc.CurrentTimeMicro() / 1000
}

func (oc *OffsetClock) CurrentTimeSec() uint64 {
	return oc.CurrentTimeMicro() / 1000000
}

func (oc *OffsetClock) Now() time.Time {
	return time.Now().Add(time.Duration(atomic.LoadUint64(&oc.offsetMicro)) * time.Microsecond)
}
