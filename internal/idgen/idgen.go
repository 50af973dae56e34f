// Package idgen implements the core's collision-resistant, adaptive-length,
// hierarchical identifier scheme. Every other subsystem names
// its entities through this package.
//
// Root ids look like "el-ab3f"; children append positive decimal segments
// up to three deep, "el-ab3f.1.2.3". The hash portion is a left-truncated
// base-36 rendering of a SHA-256 digest, chosen long enough to keep
// birthday-collision odds near 1% for the expected element count.
package idgen

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stoneforge-ai/orchestrator/internal/eventbus"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
)

const (
	minHashLength = 3
	maxHashLength = 8
	maxNonce      = 9
	maxDepth      = 3
)

var (
	rootPattern  = regexp.MustCompile(`^[a-z]{2}-[0-9a-z]{3,8}$`)
	childPattern = regexp.MustCompile(`^([a-z]{2})-([0-9a-z]{3,8})((?:\.[0-9]+){1,3})$`)
	prefixPattern = regexp.MustCompile(`^[a-z]{2}$`)
)

// lengthTable maps an element-count upper bound to the hash length that
// keeps birthday-collision probability near 1%.
var lengthTable = []struct {
	below  int
	length int
}{
	{100, 3},
	{500, 4},
	{3000, 5},
	{20000, 6},
	{100000, 7},
}

func hashLengthFor(elementCount int) int {
	for _, row := range lengthTable {
		if elementCount < row.below {
			return row.length
		}
	}
	return maxHashLength
}

// Parsed is the decomposition of an identifier produced by Parse.
type Parsed struct {
	Prefix   string
	Hash     string
	Segments []int
	Depth    int
	IsRoot   bool
}

// String reconstructs the original identifier from its parsed form.
func (p Parsed) String() string {
	var b strings.Builder
	b.WriteString(p.Prefix)
	b.WriteByte('-')
	b.WriteString(p.Hash)
	for _, seg := range p.Segments {
		fmt.Fprintf(&b, ".%d", seg)
	}
	return b.String()
}

// CollisionPredicate reports whether candidate is already in use. It may
// itself fail (e.g. a Store-backed existence check reaching out over I/O),
// in which case Generate surfaces the error wrapped as External. The
// predicate must be safe for concurrent use if the caller invokes Generate
// concurrently; IdGen holds no shared state of its own beyond its event
// sink, its logger and an atomic per-call counter.
type CollisionPredicate func(ctx context.Context, candidate string) (exists bool, err error)

// Logger is the pluggable leveled logger IdGen reports through. A nil
// Options.Logger disables logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Generator.
type Options struct {
	Logger Logger
	Bus    *eventbus.Bus
}

// Generator produces root and child identifiers. The zero value is not
// ready for use; construct with New.
type Generator struct {
	log    Logger
	bus    *eventbus.Bus
	mono   int64 // monotonic disambiguator, incremented per call
}

// New constructs a Generator. opts may be the zero value, in which case a
// no-op logger is used and events are published to a private bus that has
// no subscribers.
func New(opts Options) *Generator {
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Generator{log: log, bus: bus}
}

// GenerateOpts configures a single Generate call.
type GenerateOpts struct {
	// ElementCount, if > 0, selects the initial hash length from the
	// birthday-paradox table; otherwise the default length (4) is used.
	ElementCount int
	// Collision is consulted after composing each candidate; nil means no
	// collision checking is performed.
	Collision CollisionPredicate
}

// Generate produces a root identifier for identifier, grounded by creator
// and (optionally) a supplied time.
func (g *Generator) Generate(ctx context.Context, identifier, creator string, at *time.Time, opts GenerateOpts) (string, error) {
	const op = "idgen.Generate"
	if len(identifier) < 2 {
		return "", orcherr.New(op, orcherr.Validation, fmt.Sprintf("identifier %q must be at least two characters to derive a prefix", identifier))
	}
	prefix := strings.ToLower(identifier[:2])
	if !prefixPattern.MatchString(prefix) {
		return "", orcherr.New(op, orcherr.Validation, fmt.Sprintf("identifier %q does not yield a two-letter alphabetic prefix", identifier))
	}

	g.bus.PublishGenerationStarted(identifier)
	g.log.Debug("idgen: generation started", "identifier", identifier, "creator", creator)

	ts := time.Now()
	if at != nil {
		ts = *at
	}
	tsNs := ts.UnixNano() + atomic.AddInt64(&g.mono, 1)

	hashLength := hashLengthFor(opts.ElementCount)
	if opts.ElementCount <= 0 {
		hashLength = 4
	}

	for hashLength <= maxHashLength {
		for nonce := 0; nonce <= maxNonce; nonce++ {
			if ctx != nil {
				if err := ctx.Err(); err != nil {
					return "", orcherr.Wrap(op, orcherr.External, "context cancelled during generation", err)
				}
			}

			candidateHash := renderHash(identifier, creator, tsNs, nonce, hashLength)
			candidate := prefix + "-" + candidateHash

			if opts.Collision == nil {
				g.bus.PublishGenerationCompleted(identifier, candidate)
				g.log.Info("idgen: generation completed", "identifier", identifier, "id", candidate)
				return candidate, nil
			}

			exists, err := opts.Collision(ctx, candidate)
			if err != nil {
				g.bus.PublishGenerationFailed(identifier, err)
				return "", orcherr.Wrap(op, orcherr.External, "collision predicate failed", err)
			}
			if !exists {
				g.bus.PublishGenerationCompleted(identifier, candidate)
				g.log.Info("idgen: generation completed", "identifier", identifier, "id", candidate)
				return candidate, nil
			}

			g.bus.PublishCollisionDetected(identifier, nonce, hashLength)
			g.log.Warn("idgen: collision detected", "identifier", identifier, "candidate", candidate, "nonce", nonce)
			if nonce < maxNonce {
				g.bus.PublishNonceIncrement(identifier, nonce+1)
			}
		}
		hashLength++
		if hashLength <= maxHashLength {
			g.bus.PublishLengthIncrease(identifier, hashLength)
			g.log.Warn("idgen: escalating hash length", "identifier", identifier, "hashLength", hashLength)
		}
	}

	g.bus.PublishGenerationFailed(identifier, "exhausted nonce and length escalation")
	return "", orcherr.New(op, orcherr.Conflict, "exhausted collision-resolution budget")
}

// renderHash computes SHA-256(identifier|creator|tsNs|nonce), interprets
// the digest as a big-endian unsigned integer, renders it in base-36, and
// left-truncates to length characters. The 256-bit digest is never
// packed into a native integer width.
func renderHash(identifier, creator string, tsNs int64, nonce, length int) string {
	input := fmt.Sprintf("%s|%s|%d|%d", identifier, creator, tsNs, nonce)
	sum := sha256.Sum256([]byte(input))

	n := new(big.Int).SetBytes(sum[:])
	encoded := n.Text(36)
	if len(encoded) < length {
		encoded = strings.Repeat("0", length-len(encoded)) + encoded
	}
	return encoded[:length]
}

// ChildId appends a positive decimal child index to parent. Requires
// parent's hierarchy depth to be < 3 (maxDepth); producing a fourth level
// fails with a Constraint error.
func (g *Generator) ChildId(parent string, n int) (string, error) {
	const op = "idgen.ChildId"
	if n <= 0 {
		return "", orcherr.New(op, orcherr.Validation, "child index must be a positive integer")
	}
	p, err := g.Parse(parent)
	if err != nil {
		return "", orcherr.Wrap(op, orcherr.Validation, "parent is not a valid identifier", err)
	}
	if p.Depth >= maxDepth {
		return "", orcherr.New(op, orcherr.Constraint, fmt.Sprintf("parent %q is already at maximum hierarchy depth %d", parent, maxDepth))
	}
	return fmt.Sprintf("%s.%d", parent, n), nil
}

// Parse decomposes id into its prefix, hash, and child segments. Invalid
// input fails with a Validation error.
func (g *Generator) Parse(id string) (Parsed, error) {
	const op = "idgen.Parse"
	if rootPattern.MatchString(id) {
		parts := strings.SplitN(id, "-", 2)
		return Parsed{Prefix: parts[0], Hash: parts[1], IsRoot: true}, nil
	}

	m := childPattern.FindStringSubmatch(id)
	if m == nil {
		return Parsed{}, orcherr.New(op, orcherr.Validation, fmt.Sprintf("%q is not a valid root or hierarchical identifier", id))
	}

	segStrs := strings.Split(strings.TrimPrefix(m[3], "."), ".")
	segments := make([]int, 0, len(segStrs))
	for _, s := range segStrs {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return Parsed{}, orcherr.New(op, orcherr.Validation, fmt.Sprintf("%q has an invalid child segment %q", id, s))
		}
		segments = append(segments, n)
	}
	if len(segments) > maxDepth {
		return Parsed{}, orcherr.New(op, orcherr.Validation, fmt.Sprintf("%q exceeds maximum hierarchy depth %d", id, maxDepth))
	}

	return Parsed{Prefix: m[1], Hash: m[2], Segments: segments, Depth: len(segments), IsRoot: false}, nil
}
