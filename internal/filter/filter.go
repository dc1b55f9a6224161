// Package filter decides which ingested alerts merit remediation.
// Classification is deterministic for a given configuration: patterns
// are evaluated in a fixed order and the first match wins.
package filter

import (
	"strings"

	"github.com/argosec/defender/internal/alert"
)

// Decision is the filter outcome for an alert.
type Decision int

const (
	// Ignore means the alert does not merit remediation.
	Ignore Decision = iota
	// Process means the alert should be planned and executed.
	Process
	// Malformed means the alert carried no usable raw text.
	Malformed
)

func (d Decision) String() string {
	switch d {
	case Process:
		return "process"
	case Malformed:
		return "malformed"
	default:
		return "ignore"
	}
}

// classPattern maps a raw-text substring to an attack class. Matching
// is case-insensitive; order is significant.
type classPattern struct {
	substr string
	class  string
}

// defaultClassPatterns covers the attack families the defender acts
// on. The first matching pattern assigns the attack class.
var defaultClassPatterns = []classPattern{
	{"horizontal port scan", "port_scan"},
	{"vertical port scan", "port_scan"},
	{"port scan", "port_scan"},
	{"ddos", "dos"},
	{"denial of service", "dos"},
	{"dos attack", "dos"},
	{"brute force", "brute_force"},
	{"brute-force", "brute_force"},
	{"password guessing", "password_guessing"},
	{"high entropy", "dns_high_entropy"},
	{"dns answer", "dns_high_entropy"},
	{"exfiltration", "exfiltration"},
	{"data upload", "exfiltration"},
}

// controlMarkers identify upstream watcher bookkeeping lines that must
// never be treated as threats.
var controlMarkers = []string{
	"heartbeat",
	"queued:",
	"completed:",
	"processing pcap",
}

// Config tunes the acceptance thresholds. Zero values fall back to the
// strict defaults (high/critical threat level, confidence >= 0.8).
type Config struct {
	MinConfidence      float64
	AcceptThreatLevels []alert.ThreatLevel
}

// Filter classifies alerts. Safe for concurrent use; all state is
// immutable after construction.
type Filter struct {
	minConfidence float64
	acceptLevels  map[alert.ThreatLevel]bool
	patterns      []classPattern
}

// New builds a filter from the given thresholds.
func New(cfg Config) *Filter {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.8
	}
	if len(cfg.AcceptThreatLevels) == 0 {
		cfg.AcceptThreatLevels = []alert.ThreatLevel{alert.ThreatHigh, alert.ThreatCritical}
	}

	accept := make(map[alert.ThreatLevel]bool, len(cfg.AcceptThreatLevels))
	for _, lvl := range cfg.AcceptThreatLevels {
		accept[lvl] = true
	}

	return &Filter{
		minConfidence: cfg.MinConfidence,
		acceptLevels:  accept,
		patterns:      defaultClassPatterns,
	}
}

// Classify decides whether an alert is processed, ignored or
// malformed. On Process the alert's attack class facet is set to the
// first matching pattern's class.
func (f *Filter) Classify(a *alert.Alert) Decision {
	if strings.TrimSpace(a.Raw) == "" {
		return Malformed
	}

	lower := strings.ToLower(a.Raw)

	for _, marker := range controlMarkers {
		if strings.Contains(lower, marker) {
			return Ignore
		}
	}

	class, ok := f.matchClass(lower)
	if !ok {
		return Ignore
	}

	if !f.severityAccepted(a.Facets) {
		return Ignore
	}

	a.Facets.AttackClass = class
	return Process
}

func (f *Filter) matchClass(lowerRaw string) (string, bool) {
	for _, p := range f.patterns {
		if strings.Contains(lowerRaw, p.substr) {
			return p.class, true
		}
	}
	return "", false
}

func (f *Filter) severityAccepted(facets alert.Facets) bool {
	if f.acceptLevels[facets.ThreatLevel] {
		return true
	}
	return facets.HasConfidence && facets.Confidence >= f.minConfidence
}
