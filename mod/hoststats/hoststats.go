package hoststats

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

/*
	Host Statistics Package

	This package tracks what the interceptor served per target host:
	the app origin and the liturgy service show up as separate rows.
	- Request counts split by answer source
	- Bytes served
	- Throughput samples
*/

const (
	DefaultSampleInterval = 5 * time.Second
	DefaultMaxSamples     = 720 // one hour at the default interval
)

// HostStatistics holds statistics for a single host
type HostStatistics struct {
	Hostname string `json:"hostname"`

	// Request counters
	TotalRequests   int64   `json:"total_requests"`
	CachedRequests  int64   `json:"cached_requests"`
	NetworkRequests int64   `json:"network_requests"`
	OfflineAnswers  int64   `json:"offline_answers"`
	CacheHitRate    float64 `json:"cache_hit_rate"` // Percentage

	// Bytes handed to pages
	BytesServed int64 `json:"bytes_served"`

	// Throughput in bytes per second
	CurrentBandwidth int64             `json:"current_bandwidth"`
	MaxBandwidth     int64             `json:"max_bandwidth"`
	BandwidthSamples []BandwidthSample `json:"bandwidth_samples"`

	LastUpdated time.Time `json:"last_updated"`
}

// BandwidthSample represents a throughput measurement at a specific time
type BandwidthSample struct {
	Timestamp      time.Time `json:"timestamp"`
	BytesPerSecond int64     `json:"bytes_per_second"`
}

// Outcome classifies how a request was answered
type Outcome int

const (
	OutcomeCached Outcome = iota
	OutcomeNetwork
	OutcomeOffline
)

// CollectorOption holds configuration for the collector
type CollectorOption struct {
	Clock          clock.Clock
	SampleInterval time.Duration
	MaxSamples     int
}

// Collector manages statistics for all hosts
type Collector struct {
	stats    map[string]*HostStatistics
	mu       sync.RWMutex
	clock    clock.Clock
	interval time.Duration
	max      int

	lastBytes map[string]int64
	lastTime  time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewCollector creates a collector and starts throughput sampling
func NewCollector(option CollectorOption) *Collector {
	if option.Clock == nil {
		option.Clock = clock.New()
	}
	if option.SampleInterval <= 0 {
		option.SampleInterval = DefaultSampleInterval
	}
	if option.MaxSamples <= 0 {
		option.MaxSamples = DefaultMaxSamples
	}

	c := &Collector{
		stats:     make(map[string]*HostStatistics),
		clock:     option.Clock,
		interval:  option.SampleInterval,
		max:       option.MaxSamples,
		lastBytes: make(map[string]int64),
		lastTime:  option.Clock.Now(),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	ticker := c.clock.Ticker(c.interval)
	go c.sampleLoop(ticker)
	return c
}

// entry returns the row of hostname, creating it. Caller holds c.mu.
func (c *Collector) entry(hostname string) *HostStatistics {
	stats, exists := c.stats[hostname]
	if !exists {
		stats = &HostStatistics{Hostname: hostname, LastUpdated: c.clock.Now()}
		c.stats[hostname] = stats
	}
	return stats
}

// Record counts one answered request for a host
func (c *Collector) Record(hostname string, outcome Outcome, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.entry(hostname)
	stats.TotalRequests++
	switch outcome {
	case OutcomeCached:
		stats.CachedRequests++
	case OutcomeOffline:
		stats.OfflineAnswers++
	default:
		stats.NetworkRequests++
	}
	stats.CacheHitRate = float64(stats.CachedRequests) / float64(stats.TotalRequests) * 100.0
	stats.BytesServed += size
	stats.LastUpdated = c.clock.Now()
}

func copyStats(stats *HostStatistics) *HostStatistics {
	statsCopy := *stats
	statsCopy.BandwidthSamples = make([]BandwidthSample, len(stats.BandwidthSamples))
	copy(statsCopy.BandwidthSamples, stats.BandwidthSamples)
	return &statsCopy
}

// GetHostStats returns a copy of the statistics of one host, nil when unknown
func (c *Collector) GetHostStats(hostname string) *HostStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, exists := c.stats[hostname]
	if !exists {
		return nil
	}
	return copyStats(stats)
}

// GetAllHostStats returns copies of every host row sorted by hostname
func (c *Collector) GetAllHostStats() []*HostStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*HostStatistics, 0, len(c.stats))
	for _, stats := range c.stats {
		result = append(result, copyStats(stats))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Hostname < result[j].Hostname })
	return result
}

// ResetHostStats forgets one host
func (c *Collector) ResetHostStats(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.stats[hostname]; !exists {
		return false
	}
	delete(c.stats, hostname)
	delete(c.lastBytes, hostname)
	return true
}

func (c *Collector) sampleLoop(ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.stopChan:
			return
		}
	}
}

// sample records the throughput of every host since the previous sample
func (c *Collector) sample() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	elapsed := now.Sub(c.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}

	for hostname, stats := range c.stats {
		delta := stats.BytesServed - c.lastBytes[hostname]
		bandwidth := int64(float64(delta) / elapsed)

		stats.CurrentBandwidth = bandwidth
		if bandwidth > stats.MaxBandwidth {
			stats.MaxBandwidth = bandwidth
		}
		stats.BandwidthSamples = append(stats.BandwidthSamples, BandwidthSample{
			Timestamp:      now,
			BytesPerSecond: bandwidth,
		})
		if len(stats.BandwidthSamples) > c.max {
			stats.BandwidthSamples = stats.BandwidthSamples[len(stats.BandwidthSamples)-c.max:]
		}
		c.lastBytes[hostname] = stats.BytesServed
	}
	c.lastTime = now
}

// Close stops sampling
func (c *Collector) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	<-c.done
}
