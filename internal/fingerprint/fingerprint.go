// Package fingerprint computes content-derived similarity keys for
// operational records, so that the same real-world event reported on two
// nodes can be recognised even though the records carry different global ids.
//
// A fingerprint covers the parent event, a normalized discriminating key (the
// badge tag), a coarse location cell and a time bucket. Two records whose
// timestamps straddle a bucket boundary would hash differently, so lookups
// probe the neighbouring buckets as well and Match confirms the actual
// distance.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"

	"fieldsync/internal/domain"

	"golang.org/x/text/unicode/norm"
)

// Domain prefix for key hashing. Bump the version suffix when the tuple
// layout changes; existing indexes must then be rebuilt.
const keyDomain = "fieldsync/fingerprint/v1"

type Config struct {
	// CellSize is the edge of a location cell in degrees.
	CellSize float64 `yaml:"cell_size"`
	// Tolerance is both the time bucket width and the largest time distance
	// at which two records still match.
	Tolerance time.Duration `yaml:"tolerance"`
}

func DefaultConfig() Config {
	return Config{
		CellSize:  0.001,
		Tolerance: 30 * time.Second,
	}
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.CellSize <= 0 {
		cfg.CellSize = def.CellSize
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Fingerprint is the computed key of a record plus the keys that must be
// probed to find its duplicates.
type Fingerprint struct {
	Key        string
	Candidates []string
}

// Compute derives the fingerprint of an operational record.
func (e *Engine) Compute(class domain.RecordClass, f domain.FingerprintFields) Fingerprint {
	tb := e.timeBucket(f.At)
	return Fingerprint{
		Key: e.key(class, f, tb),
		Candidates: []string{
			e.key(class, f, tb),
			e.key(class, f, tb-1),
			e.key(class, f, tb+1),
		},
	}
}

// Match reports whether a and b describe the same real-world event: same
// parent, same normalized key, same location cell and timestamps within the
// tolerance.
func (e *Engine) Match(a, b domain.FingerprintFields) bool {
	if a.Parent != b.Parent {
		return false
	}
	if NormalizeKey(a.Key) != NormalizeKey(b.Key) {
		return false
	}
	if e.cell(a.Latitude) != e.cell(b.Latitude) || e.cell(a.Longitude) != e.cell(b.Longitude) {
		return false
	}
	d := a.At.Sub(b.At)
	if d < 0 {
		d = -d
	}
	return d <= e.cfg.Tolerance
}

// NormalizeKey folds the discriminating key so that "a-12", " A-12 " and
// the decomposed unicode form of the same tag compare equal.
func NormalizeKey(k string) string {
	k = strings.Join(strings.Fields(k), " ")
	return norm.NFC.String(strings.ToUpper(k))
}

func (e *Engine) key(class domain.RecordClass, f domain.FingerprintFields, timeBucket int64) string {
	var b strings.Builder
	b.WriteString(string(class))
	b.WriteByte('|')
	b.WriteString(f.Parent)
	b.WriteByte('|')
	b.WriteString(NormalizeKey(f.Key))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.cell(f.Latitude), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.cell(f.Longitude), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(timeBucket, 10))
	return hashWithDomain(keyDomain, []byte(b.String()))
}

func (e *Engine) cell(deg float64) int64 {
	return int64(math.Floor(deg / e.cfg.CellSize))
}

func (e *Engine) timeBucket(t time.Time) int64 {
	n := t.UnixNano()
	w := int64(e.cfg.Tolerance)
	q := n / w
	if n < 0 && n%w != 0 {
		q--
	}
	return q
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
