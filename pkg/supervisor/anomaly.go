package supervisor

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Severity buckets an anomaly score.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Escalates reports whether s triggers quarantine.
func (s Severity) Escalates() bool { return s >= SeverityHigh }

// AnomalyConfig tunes scoring.
type AnomalyConfig struct {
	WindowSize int `json:"window_size" yaml:"window_size"`
	MinSamples int `json:"min_samples" yaml:"min_samples"`
	// MaxZ is the |z| that maps to a statistical score of 1.
	MaxZ float64 `json:"max_z" yaml:"max_z"`
	// EWMAAlpha is the smoothing factor of the model baseline.
	EWMAAlpha float64 `json:"ewma_alpha" yaml:"ewma_alpha"`
	// StatWeight and ModelWeight scale the two scores before taking the max.
	StatWeight  float64 `json:"stat_weight" yaml:"stat_weight"`
	ModelWeight float64 `json:"model_weight" yaml:"model_weight"`
	Medium      float64 `json:"medium" yaml:"medium"`
	High        float64 `json:"high" yaml:"high"`
	Critical    float64 `json:"critical" yaml:"critical"`
}

// DefaultAnomalyConfig returns the standard buckets: low below 0.5, medium
// below 0.7, high below 0.9, critical from 0.9.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		WindowSize:  100,
		MinSamples:  10,
		MaxZ:        4,
		EWMAAlpha:   0.2,
		StatWeight:  1,
		ModelWeight: 0.9,
		Medium:      0.5,
		High:        0.7,
		Critical:    0.9,
	}
}

// Validate checks the thresholds are ordered.
func (c AnomalyConfig) Validate() error {
	switch {
	case c.WindowSize < 2:
		return fmt.Errorf("anomaly: window_size must be at least 2")
	case c.MinSamples < 2 || c.MinSamples > c.WindowSize:
		return fmt.Errorf("anomaly: min_samples must be within [2,%d]", c.WindowSize)
	case c.MaxZ <= 0:
		return fmt.Errorf("anomaly: max_z must be positive")
	case c.EWMAAlpha <= 0 || c.EWMAAlpha > 1:
		return fmt.Errorf("anomaly: ewma_alpha must be within (0,1]")
	case !(0 < c.Medium && c.Medium < c.High && c.High < c.Critical && c.Critical <= 1):
		return fmt.Errorf("anomaly: thresholds must satisfy 0 < medium < high < critical <= 1")
	}
	return nil
}

// Bucket maps score to a severity.
func (c AnomalyConfig) Bucket(score float64) Severity {
	switch {
	case score >= c.Critical:
		return SeverityCritical
	case score >= c.High:
		return SeverityHigh
	case score >= c.Medium:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// Assessment is the scored result of one observation.
type Assessment struct {
	Entity      string    `json:"entity"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Statistical float64   `json:"statistical"`
	Model       float64   `json:"model"`
	Score       float64   `json:"score"`
	Severity    Severity  `json:"severity"`
	Samples     int       `json:"samples"`
	At          time.Time `json:"at"`
}

type series struct {
	values []float64
	next   int
	full   bool
	ewma   float64
	ewVar  float64
	seeded bool
}

func (s *series) len() int {
	if s.full {
		return len(s.values)
	}
	return s.next
}

func (s *series) push(v float64, alpha float64) {
	s.values[s.next] = v
	s.next = (s.next + 1) % len(s.values)
	if s.next == 0 {
		s.full = true
	}
	if !s.seeded {
		s.ewma, s.ewVar, s.seeded = v, 0, true
		return
	}
	diff := v - s.ewma
	incr := alpha * diff
	s.ewma += incr
	s.ewVar = (1 - alpha) * (s.ewVar + diff*incr)
}

func (s *series) meanStd() (float64, float64) {
	n := s.len()
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.values[i]
	}
	mean := sum / float64(n)
	var sq float64
	for i := 0; i < n; i++ {
		d := s.values[i] - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n))
}

// Detector scores per-entity metrics against their own history.
type Detector struct {
	cfg   AnomalyConfig
	clock func() time.Time

	mu     sync.Mutex
	series map[string]*series
	latest map[string]Assessment
}

// NewDetector creates a detector. Invalid configs fall back to defaults.
func NewDetector(cfg AnomalyConfig) *Detector {
	if cfg.Validate() != nil {
		cfg = DefaultAnomalyConfig()
	}
	return &Detector{
		cfg:    cfg,
		clock:  time.Now,
		series: make(map[string]*series),
		latest: make(map[string]Assessment),
	}
}

// WithClock overrides clock for testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Config returns the active configuration.
func (d *Detector) Config() AnomalyConfig { return d.cfg }

// Observe scores value against the entity's history for metric, then adds it
// to that history. Until MinSamples values are known the score is 0.
func (d *Detector) Observe(entity, metric string, value float64) Assessment {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := entity + "\x00" + metric
	s, ok := d.series[key]
	if !ok {
		s = &series{values: make([]float64, d.cfg.WindowSize)}
		d.series[key] = s
	}

	a := Assessment{Entity: entity, Metric: metric, Value: value, Samples: s.len(), At: d.clock()}
	if s.len() >= d.cfg.MinSamples {
		a.Statistical = d.statistical(s, value)
		a.Model = d.model(s, value)
		a.Score = math.Max(d.cfg.StatWeight*a.Statistical, d.cfg.ModelWeight*a.Model)
		a.Score = math.Min(1, math.Max(0, a.Score))
		a.Severity = d.cfg.Bucket(a.Score)
	}
	s.push(value, d.cfg.EWMAAlpha)
	d.latest[entity] = worse(d.latest[entity], a)
	return a
}

// Deviations are measured in at least this much spread, so a flat history
// does not turn every jitter into a critical score.
const (
	minStdRatio = 0.01 // of the baseline's magnitude
	minStd      = 1e-3
)

func floorStd(std, center float64) float64 {
	return math.Max(std, math.Max(minStdRatio*math.Abs(center), minStd))
}

// statistical maps |z| against the window into [0,1].
func (d *Detector) statistical(s *series, v float64) float64 {
	mean, std := s.meanStd()
	std = floorStd(std, mean)
	return math.Min(1, math.Abs(v-mean)/std/d.cfg.MaxZ)
}

// model scores deviation from the EWMA baseline with an isolation-style curve:
// 1 - 2^(-d/c), where d is the deviation in baseline standard deviations.
func (d *Detector) model(s *series, v float64) float64 {
	std := floorStd(math.Sqrt(s.ewVar), s.ewma)
	dev := math.Abs(v-s.ewma) / std
	return 1 - math.Pow(2, -dev/(d.cfg.MaxZ/2))
}

// Latest returns the worst recent assessment per entity, ordered by entity.
func (d *Detector) Latest() []Assessment {
	d.mu.Lock()
	out := make([]Assessment, 0, len(d.latest))
	for _, a := range d.latest {
		out = append(out, a)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Reset forgets history for entity.
func (d *Detector) Reset(entity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := entity + "\x00"
	for k := range d.series {
		if strings.HasPrefix(k, prefix) {
			delete(d.series, k)
		}
	}
	delete(d.latest, entity)
}

func worse(prev, next Assessment) Assessment {
	if prev.Entity == "" || next.Score >= prev.Score || next.At.Sub(prev.At) > time.Minute {
		return next
	}
	return prev
}
