package workload

import (
	"fmt"
	"math/rand"

	"github.com/miretskiy/nvmesim/blockio"
	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/sirupsen/logrus"
)

// Pattern is the address pattern of a generator.
type Pattern int

const (
	PatternRandom Pattern = iota
	PatternSequential
)

func (p Pattern) String() string {
	switch p {
	case PatternRandom:
		return "random"
	case PatternSequential:
		return "sequential"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePattern is the inverse of String.
func ParsePattern(s string) (Pattern, error) {
	switch s {
	case "random":
		return PatternRandom, nil
	case "sequential":
		return PatternSequential, nil
	default:
		return PatternRandom, fmt.Errorf("invalid pattern: %s (must be 'random' or 'sequential')", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(data []byte) error {
	parsed, err := ParsePattern(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Config describes a closed-loop synthetic workload.
type Config struct {
	Pattern   Pattern `json:"pattern" yaml:"pattern"`
	ReadRatio float64 `json:"readRatio" yaml:"readRatio"` // fraction of data requests that are reads
	TrimRatio float64 `json:"trimRatio" yaml:"trimRatio"` // fraction of writes issued as trims
	// FlushEvery issues a flush after every N writes; 0 disables flushes.
	FlushEvery uint64 `json:"flushEvery" yaml:"flushEvery"`

	MinBlocks           int64            `json:"minBlocks" yaml:"minBlocks"`
	MaxBlocks           int64            `json:"maxBlocks" yaml:"maxBlocks"`
	SizeDistribution    DistributionType `json:"sizeDistribution" yaml:"sizeDistribution"`
	AddressDistribution DistributionType `json:"addressDistribution" yaml:"addressDistribution"`

	// QueueDepth is the number of requests kept outstanding.
	QueueDepth int `json:"queueDepth" yaml:"queueDepth"`
	// Requests stops the run after this many completions; 0 means no limit.
	Requests uint64 `json:"requests" yaml:"requests"`
	// Bytes stops the run after this many bytes; 0 means no limit.
	Bytes uint64 `json:"bytes" yaml:"bytes"`

	Seed int64 `json:"seed" yaml:"seed"` // 0 picks a random seed
}

// DefaultConfig is a 70/30 random 4 KiB mix at queue depth 32.
func DefaultConfig() Config {
	return Config{
		Pattern:    PatternRandom,
		ReadRatio:  0.7,
		MinBlocks:  1,
		MaxBlocks:  1,
		QueueDepth: 32,
		Requests:   100000,
		Seed:       1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ReadRatio < 0 || c.ReadRatio > 1 {
		return fmt.Errorf("read ratio must be in [0, 1], got %f", c.ReadRatio)
	}
	if c.TrimRatio < 0 || c.TrimRatio > 1 {
		return fmt.Errorf("trim ratio must be in [0, 1], got %f", c.TrimRatio)
	}
	if c.MinBlocks <= 0 || c.MaxBlocks < c.MinBlocks {
		return fmt.Errorf("block range [%d, %d] is invalid", c.MinBlocks, c.MaxBlocks)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue depth must be > 0, got %d", c.QueueDepth)
	}
	return nil
}

// Random is a closed-loop generator: it keeps QueueDepth requests in flight
// and issues a replacement for every completion until its limit is reached.
type Random struct {
	cfg  Config
	rng  *rand.Rand
	size Distribution
	addr Distribution
	l    *logrus.Logger

	sub    Submitter
	done   func()
	geo    blockio.Geometry
	blocks int64

	nextLBA     int64
	outstanding int
	sinceFlush  uint64
	stopped     bool
	finished    bool
	stats       Stats
}

var _ Generator = (*Random)(nil)

// NewRandom creates a generator. The config must be valid.
func NewRandom(cfg Config, l *logrus.Logger) *Random {
	if l == nil {
		l = logging.Discard()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Random{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		size: NewDistribution(cfg.SizeDistribution),
		addr: NewDistribution(cfg.AddressDistribution),
		l:    l,
	}
}

// Init implements Generator.
func (g *Random) Init(s Submitter, done func()) {
	g.sub = s
	g.done = done
	g.geo = s.Geometry()
	g.blocks = int64(g.geo.Blocks())
	if g.cfg.MaxBlocks > g.blocks {
		g.cfg.MaxBlocks = g.blocks
		g.cfg.MinBlocks = min(g.cfg.MinBlocks, g.blocks)
	}
	g.l.WithFields(logrus.Fields{
		"pattern":   g.cfg.Pattern,
		"blocks":    g.blocks,
		"blockSize": g.geo.BlockSize,
		"depth":     g.cfg.QueueDepth,
	}).Debug("workload initialized")
}

// Start implements Generator.
func (g *Random) Start() {
	g.fill()
	g.checkDone()
}

// OnComplete implements Generator.
func (g *Random) OnComplete(r *blockio.Request) {
	g.outstanding--
	g.stats.Completed++
	if !g.stopped && g.limitReached() {
		g.stopped = true
	}
	g.fill()
	g.checkDone()
}

// Stop ends issuing; the done callback fires when outstanding requests drain.
func (g *Random) Stop() {
	g.stopped = true
	g.checkDone()
}

// Stats implements Generator.
func (g *Random) Stats() Stats {
	return g.stats
}

func (g *Random) limitReached() bool {
	if g.cfg.Requests > 0 && g.stats.Issued >= g.cfg.Requests {
		return true
	}
	return g.cfg.Bytes > 0 && g.stats.Bytes >= g.cfg.Bytes
}

func (g *Random) checkDone() {
	if g.stopped && g.outstanding == 0 && !g.finished {
		g.finished = true
		if g.done != nil {
			g.done()
		}
	}
}

// fill issues requests until QueueDepth are outstanding, the block layer
// refuses one, or the limit is reached.
func (g *Random) fill() {
	for !g.stopped && g.outstanding < g.cfg.QueueDepth {
		if g.limitReached() {
			g.stopped = true
			return
		}
		lba, writes := g.nextLBA, g.sinceFlush
		t, off, length := g.next()
		if !g.sub.SubmitRequest(t, off, length) {
			// Retried after the next completion.
			g.stats.Refused++
			g.nextLBA, g.sinceFlush = lba, writes
			return
		}
		g.outstanding++
		g.stats.Issued++
		g.stats.Bytes += length
		switch t {
		case blockio.Read:
			g.stats.Reads++
		case blockio.Write:
			g.stats.Writes++
		case blockio.Flush:
			g.stats.Flushes++
		case blockio.Trim:
			g.stats.Trims++
		}
	}
}

func (g *Random) next() (blockio.RequestType, uint64, uint64) {
	bs := g.geo.BlockSize
	if g.cfg.FlushEvery > 0 && g.sinceFlush >= g.cfg.FlushEvery {
		g.sinceFlush = 0
		return blockio.Flush, 0, bs
	}

	n := g.size.Sample(g.rng, g.cfg.MinBlocks, g.cfg.MaxBlocks)
	var lba int64
	switch g.cfg.Pattern {
	case PatternSequential:
		if g.nextLBA+n > g.blocks {
			g.nextLBA = 0
		}
		lba = g.nextLBA
		g.nextLBA += n
	default:
		lba = g.addr.Sample(g.rng, 0, g.blocks-n)
	}

	t := blockio.Read
	if g.rng.Float64() >= g.cfg.ReadRatio {
		t = blockio.Write
		if g.cfg.TrimRatio > 0 && g.rng.Float64() < g.cfg.TrimRatio {
			t = blockio.Trim
		} else {
			g.sinceFlush++
		}
	}
	return t, uint64(lba) * bs, uint64(n) * bs
}
