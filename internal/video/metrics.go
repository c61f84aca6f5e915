package video

import (
	"sync"
	"time"
)

// PipelineMetrics tracks per-connection frame pipeline counters.
type PipelineMetrics struct {
	mu sync.RWMutex

	FramesIn       uint64
	FramesRated    uint64 // dropped by the rate regulator
	FramesClean    uint64 // short-circuited on empty damage
	FramesEncoded  uint64
	FramesSent     uint64
	AuxOmitted     uint64
	EncodeFailures uint64

	LastConvertTime time.Duration
	LastEncodeTime  time.Duration
	LastFrameBytes  int

	TotalBytes uint64
	startTime  time.Time
}

func newPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{startTime: time.Now()}
}

func (m *PipelineMetrics) recordIn() {
	m.mu.Lock()
	m.FramesIn++
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordRated() {
	m.mu.Lock()
	m.FramesRated++
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordClean() {
	m.mu.Lock()
	m.FramesClean++
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordConvert(d time.Duration) {
	m.mu.Lock()
	m.LastConvertTime = d
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordEncode(d time.Duration, size int, auxOmitted bool) {
	m.mu.Lock()
	m.FramesEncoded++
	m.LastEncodeTime = d
	m.LastFrameBytes = size
	if auxOmitted {
		m.AuxOmitted++
	}
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordSent(size int) {
	m.mu.Lock()
	m.FramesSent++
	m.TotalBytes += uint64(size)
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordFailure() {
	m.mu.Lock()
	m.EncodeFailures++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy for logging.
type MetricsSnapshot struct {
	FramesIn       uint64
	FramesRated    uint64
	FramesClean    uint64
	FramesEncoded  uint64
	FramesSent     uint64
	AuxOmitted     uint64
	EncodeFailures uint64
	ConvertMs      float64
	EncodeMs       float64
	BandwidthKBps  float64
	Uptime         time.Duration
}

// Snapshot copies the counters.
func (m *PipelineMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := 0.0
	if uptime.Seconds() > 0 {
		bw = float64(m.TotalBytes) / uptime.Seconds() / 1024.0
	}
	return MetricsSnapshot{
		FramesIn:       m.FramesIn,
		FramesRated:    m.FramesRated,
		FramesClean:    m.FramesClean,
		FramesEncoded:  m.FramesEncoded,
		FramesSent:     m.FramesSent,
		AuxOmitted:     m.AuxOmitted,
		EncodeFailures: m.EncodeFailures,
		ConvertMs:      float64(m.LastConvertTime.Microseconds()) / 1000.0,
		EncodeMs:       float64(m.LastEncodeTime.Microseconds()) / 1000.0,
		BandwidthKBps:  bw,
		Uptime:         uptime,
	}
}
