package s3

import (
	"time"
)

// StoreMetrics tracks object store request metrics
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// Metrics returns a copy of the current request metrics
func (s *ObjectStore) Metrics() StoreMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// ErrorRate returns the fraction of requests that failed
func (s *ObjectStore) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics.Requests == 0 {
		return 0
	}
	return float64(s.metrics.Errors) / float64(s.metrics.Requests)
}

// recordRequest records one SDK round trip with duration and error status
func (s *ObjectStore) recordRequest(duration time.Duration, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Requests++
	if isError {
		s.metrics.Errors++
	}

	// Calculate rolling average latency
	if s.metrics.Requests == 1 {
		s.metrics.AverageLatency = duration
	} else {
		s.metrics.AverageLatency = time.Duration(
			(int64(s.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// recordError records an error occurrence
func (s *ObjectStore) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
}
