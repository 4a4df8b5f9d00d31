package proxy

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/grokgate/grokgate/pkg/cache"
)

const usageBucketSize = 5 * time.Minute
const usagePersistInterval = 5 * time.Second
const usageRetention = 30 * 24 * time.Hour

// UsageEvent is one completed (or failed) gateway request. Credentials appear
// only as their opaque token IDs.
type UsageEvent struct {
	Timestamp time.Time `json:"timestamp"`
	TokenID   string    `json:"token_id"`
	Model     string    `json:"model"`
	Status    int       `json:"status"`
	Attempts  int       `json:"attempts"`
	LatencyMS int64     `json:"latency_ms"`
	Bytes     int64     `json:"bytes"`
}

type UsageBucket struct {
	StartAt      time.Time `json:"start_at"`
	TokenID      string    `json:"token_id"`
	Model        string    `json:"model"`
	Requests     int       `json:"requests"`
	Errors       int       `json:"errors"`
	Attempts     int       `json:"attempts"`
	LatencyMSSum int64     `json:"latency_ms_sum"`
	Bytes        int64     `json:"bytes"`
}

type StatsSummary struct {
	PeriodSeconds    int64          `json:"period_seconds"`
	Requests         int            `json:"requests"`
	Errors           int            `json:"errors"`
	Retries          int            `json:"retries"`
	AvgLatencyMS     float64        `json:"avg_latency_ms"`
	BytesStreamed    int64          `json:"bytes_streamed"`
	RequestsPerToken map[string]int `json:"requests_per_token"`
	RequestsPerModel map[string]int `json:"requests_per_model"`
	ErrorsPerToken   map[string]int `json:"errors_per_token"`
	Buckets          []UsageBucket  `json:"buckets,omitempty"`
}

type usageStatsFile struct {
	Version int           `json:"version"`
	Buckets []UsageBucket `json:"buckets"`
}

// StatsStore aggregates usage into fixed time buckets and persists them with
// a debounce so bursts do not hammer the disk.
type StatsStore struct {
	mu       sync.RWMutex
	buckets  map[string]*UsageBucket
	maxKeep  int
	file     *cache.StateFile[usageStatsFile]
	dirty    bool
	lastSave time.Time
}

func NewStatsStore(maxKeep int) *StatsStore {
	return newStatsStore(maxKeep, nil)
}

func NewPersistentStatsStore(maxKeep int, path string) *StatsStore {
	file := cache.NewStateFile[usageStatsFile](path)
	return newStatsStore(maxKeep, &file)
}

func newStatsStore(maxKeep int, file *cache.StateFile[usageStatsFile]) *StatsStore {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	s := &StatsStore{
		buckets: map[string]*UsageBucket{},
		maxKeep: maxKeep,
		file:    file,
	}
	s.load()
	return s
}

func (s *StatsStore) Add(evt UsageEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	start := evt.Timestamp.Truncate(usageBucketSize)
	key := bucketKey(start, evt.TokenID, evt.Model)

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &UsageBucket{StartAt: start, TokenID: evt.TokenID, Model: evt.Model}
		s.buckets[key] = b
	}
	b.Requests++
	if evt.Status >= 400 {
		b.Errors++
	}
	b.Attempts += evt.Attempts
	b.LatencyMSSum += evt.LatencyMS
	b.Bytes += evt.Bytes
	s.pruneLocked()
	s.dirty = true
	shouldSave := s.file != nil && time.Since(s.lastSave) >= usagePersistInterval
	if shouldSave {
		s.lastSave = time.Now()
	}
	s.mu.Unlock()

	if shouldSave {
		s.Save()
	}
}

func (s *StatsStore) Summary(period time.Duration) StatsSummary {
	cutoff := time.Now().UTC().Add(-period)
	out := StatsSummary{
		PeriodSeconds:    int64(period.Seconds()),
		RequestsPerToken: map[string]int{},
		RequestsPerModel: map[string]int{},
		ErrorsPerToken:   map[string]int{},
	}
	var latencySum int64

	s.mu.RLock()
	for _, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			continue
		}
		out.Requests += b.Requests
		out.Errors += b.Errors
		out.Retries += b.Attempts - b.Requests
		out.BytesStreamed += b.Bytes
		latencySum += b.LatencyMSSum
		out.RequestsPerToken[b.TokenID] += b.Requests
		out.RequestsPerModel[b.Model] += b.Requests
		if b.Errors > 0 {
			out.ErrorsPerToken[b.TokenID] += b.Errors
		}
		out.Buckets = append(out.Buckets, *b)
	}
	s.mu.RUnlock()

	if out.Requests > 0 {
		out.AvgLatencyMS = float64(latencySum) / float64(out.Requests)
	}
	sort.Slice(out.Buckets, func(i, j int) bool {
		return out.Buckets[i].StartAt.Before(out.Buckets[j].StartAt)
	})
	return out
}

func bucketKey(start time.Time, tokenID, model string) string {
	return strings.Join([]string{start.UTC().Format(time.RFC3339), tokenID, model}, "|")
}

func (s *StatsStore) pruneLocked() {
	cutoff := time.Now().UTC().Add(-usageRetention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.buckets[keys[i]].StartAt.Before(s.buckets[keys[j]].StartAt)
	})
	for _, k := range keys[:len(s.buckets)-s.maxKeep] {
		delete(s.buckets, k)
	}
}

func (s *StatsStore) load() {
	if s.file == nil {
		return
	}
	file, err := s.file.Load()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range file.Buckets {
		b := file.Buckets[i]
		s.buckets[bucketKey(b.StartAt, b.TokenID, b.Model)] = &b
	}
	s.pruneLocked()
}

// Save writes the current buckets if anything changed since the last save.
func (s *StatsStore) Save() {
	s.mu.Lock()
	if s.file == nil || !s.dirty {
		s.mu.Unlock()
		return
	}
	file := usageStatsFile{Version: 1, Buckets: make([]UsageBucket, 0, len(s.buckets))}
	for _, b := range s.buckets {
		file.Buckets = append(file.Buckets, *b)
	}
	s.dirty = false
	s.mu.Unlock()

	sort.Slice(file.Buckets, func(i, j int) bool {
		return file.Buckets[i].StartAt.Before(file.Buckets[j].StartAt)
	})
	if err := s.file.Save(file); err != nil {
		log.WithError(err).Warn("usage stats persist failed")
	}
}
