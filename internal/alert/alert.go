// Package alert defines the core alert model shared by the ingest,
// filter, planner and executor components. Parsing is a pure function
// over the raw alert text; the parsed facets are a view, never a
// replacement for the raw record.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ThreatLevel is the severity reported by the upstream IDS.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// FacetKind tags the parse outcome for an alert's raw text.
type FacetKind int

const (
	// FacetUnparsed means no structured fields could be extracted.
	FacetUnparsed FacetKind = iota
	// FacetStructured means at least one structured field was extracted.
	FacetStructured
)

// Facets is the structured view extracted from an alert's raw text.
// The zero value is the Unparsed variant.
type Facets struct {
	Kind          FacetKind
	SourceIP      string
	DestinationIP string
	Confidence    float64
	HasConfidence bool
	ThreatLevel   ThreatLevel
	AttackClass   string
}

// Alert is a single IDS finding as received by the defender core.
type Alert struct {
	ID         string    `json:"id"`
	Raw        string    `json:"raw"`
	RunID      string    `json:"run_id"`
	ReceivedAt time.Time `json:"ts"`
	Facets     Facets    `json:"-"`
}

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewID returns a lexically sortable alert ID. IDs generated within one
// process are monotonic, which preserves receipt order for equal
// wall-clock timestamps.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New builds an alert from its raw text, parsing facets eagerly.
func New(raw, runID string) Alert {
	return Alert{
		ID:         NewID(),
		Raw:        raw,
		RunID:      runID,
		ReceivedAt: time.Now(),
		Facets:     Parse(raw),
	}
}

var (
	srcIPRe      = regexp.MustCompile(`(?i)(?:src(?:\s+|_)?ip|source(?:\s+|_)?ip|from)[:\s]+(\d{1,3}(?:\.\d{1,3}){3})`)
	dstIPRe      = regexp.MustCompile(`(?i)(?:dst(?:\s+|_)?ip|dest(?:ination)?(?:\s+|_)?ip|to(?:\s+ip)?)[:\s]+(\d{1,3}(?:\.\d{1,3}){3})`)
	confidenceRe = regexp.MustCompile(`(?i)confidence[:\s]+([0-9]*\.?[0-9]+)`)
	threatRe     = regexp.MustCompile(`(?i)threat[\s_-]?level[:\s]+(info|low|medium|high|critical)`)
)

// Parse extracts structured facets from raw IDS text. It is pure: the
// same input always yields the same facets. Attack classification is
// left to the filter, which owns the pattern order.
func Parse(raw string) Facets {
	var f Facets

	if m := srcIPRe.FindStringSubmatch(raw); m != nil {
		f.SourceIP = m[1]
		f.Kind = FacetStructured
	}
	if m := dstIPRe.FindStringSubmatch(raw); m != nil {
		f.DestinationIP = m[1]
		f.Kind = FacetStructured
	}
	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			f.Confidence = v
			f.HasConfidence = true
			f.Kind = FacetStructured
		}
	}
	if m := threatRe.FindStringSubmatch(raw); m != nil {
		f.ThreatLevel = ThreatLevel(strings.ToLower(m[1]))
		f.Kind = FacetStructured
	}

	return f
}

// Fingerprint derives the canonical deduplication key for an alert.
// Two alerts with equal fingerprints are the same incident within a
// run. The key is a hash over (source_ip | "-", destination_ip | "-",
// attack_class); when no class was assigned the normalised raw text
// hash stands in for the class component.
func Fingerprint(a Alert) string {
	src := a.Facets.SourceIP
	if src == "" {
		src = "-"
	}
	dst := a.Facets.DestinationIP
	if dst == "" {
		dst = "-"
	}
	class := a.Facets.AttackClass
	if class == "" {
		class = rawHashPrefix(a.Raw)
	}

	sum := sha256.Sum256([]byte(src + "|" + dst + "|" + class))
	return hex.EncodeToString(sum[:])
}

// Prefix8 returns the first 8 hex characters of a digest, used as the
// correlation tag in journal entries.
func Prefix8(digest string) string {
	if len(digest) <= 8 {
		return digest
	}
	return digest[:8]
}

func rawHashPrefix(raw string) string {
	normalised := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:8])
}
