// Package chunker implements content-defined chunking over a rolling Rabin
// fingerprint (spec.md §4.7), grounded on
// original_source/core/src/rabin_chunker.cc and
// original_source/core/include/core/rabin_chunker.h.
package chunker

import "gastrolog/internal/errs"

// DefaultPoly is a real irreducible GF(2) polynomial of degree 53, from the
// same family of generated polynomials used by content-defined chunkers
// descended from the Rabin/LBFS method.
const DefaultPoly Pol = 0x3DA3358B4DC173

// Chunk is one content-defined chunk produced by a Session.
type Chunk struct {
	Data []byte
	// ForcedBySize is true when the chunk closed because MaxSize was
	// reached rather than a fingerprint boundary (spec.md §4.7).
	ForcedBySize bool
}

// Config controls chunk boundary selection.
type Config struct {
	WindowSize int // Rabin sliding window, default 48
	MinSize    int
	AvgSize    int // must be a power of two
	MaxSize    int
	Poly       Pol
}

func DefaultConfig() Config {
	return Config{
		WindowSize: 48,
		MinSize:    2 * 1024,
		AvgSize:    8 * 1024,
		MaxSize:    32 * 1024,
		Poly:       DefaultPoly,
	}
}

// Chunker holds precomputed tables shared by every Session it creates; safe
// for concurrent use from multiple sessions (spec.md §4.7 "a chunking
// session per writer").
type Chunker struct {
	cfg          Config
	tables       *tables
	breakmark    uint64
	shift        uint
	posBeforeMin int
}

func New(cfg Config) (*Chunker, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 48
	}
	if cfg.Poly == 0 {
		cfg.Poly = DefaultPoly
	}
	if cfg.MinSize <= 0 || cfg.AvgSize <= 0 || cfg.MaxSize <= 0 {
		return nil, errs.New(errs.ConfigError, "chunker: min/avg/max chunk sizes must be positive")
	}
	if cfg.MinSize > cfg.AvgSize || cfg.AvgSize > cfg.MaxSize {
		return nil, errs.New(errs.ConfigError, "chunker: min <= avg <= max must hold")
	}
	if cfg.AvgSize&(cfg.AvgSize-1) != 0 {
		return nil, errs.New(errs.ConfigError, "chunker: average chunk size must be a power of two")
	}
	if cfg.MinSize < cfg.WindowSize {
		return nil, errs.New(errs.ConfigError, "chunker: minimum chunk size must be at least the window size")
	}
	deg := cfg.Poly.Deg()
	if deg < 8 {
		return nil, errs.New(errs.ConfigError, "chunker: polynomial degree too small")
	}
	posBeforeMin := cfg.MinSize - cfg.WindowSize
	if posBeforeMin < 0 {
		posBeforeMin = 0
	}
	return &Chunker{
		cfg:          cfg,
		tables:       buildTables(cfg.Poly, cfg.WindowSize),
		breakmark:    uint64(cfg.AvgSize - 1),
		shift:        uint(deg - 8),
		posBeforeMin: posBeforeMin,
	}, nil
}

// Session chunks one writer's byte stream. Not safe for concurrent use
// (spec.md §4.7 "the session maintains a cyclic window buffer").
type Session struct {
	c      *Chunker
	window []byte
	wpos   int
	digest Pol
	buf    []byte
}

func (c *Chunker) NewSession() *Session {
	return &Session{
		c:      c,
		window: make([]byte, c.cfg.WindowSize),
	}
}

// Write feeds data into the session and returns any chunks it closes. A
// chunk closes on a fingerprint boundary (low log2(avg) bits of the digest
// all set) or once MaxSize is reached.
func (s *Session) Write(data []byte) []Chunk {
	var chunks []Chunk
	for _, b := range data {
		s.buf = append(s.buf, b)
		if len(s.buf) < s.c.posBeforeMin {
			continue
		}
		s.slide(b)
		if len(s.buf) < s.c.cfg.MinSize {
			continue
		}
		if uint64(s.digest)&s.c.breakmark == s.c.breakmark {
			chunks = append(chunks, s.accept(false))
			continue
		}
		if len(s.buf) >= s.c.cfg.MaxSize {
			chunks = append(chunks, s.accept(true))
		}
	}
	return chunks
}

func (s *Session) slide(b byte) {
	out := s.window[s.wpos]
	s.window[s.wpos] = b
	s.wpos++
	if s.wpos == len(s.window) {
		s.wpos = 0
	}
	s.digest ^= s.c.tables.out[out]
	s.digest = (s.digest << 8) | Pol(b)
	idx := byte(uint64(s.digest) >> s.c.shift)
	s.digest ^= s.c.tables.mod[idx]
}

func (s *Session) accept(forcedBySize bool) Chunk {
	data := s.buf
	s.buf = nil
	s.digest = 0
	s.wpos = 0
	for i := range s.window {
		s.window[i] = 0
	}
	return Chunk{Data: data, ForcedBySize: forcedBySize}
}

// Close flushes any buffered bytes as a final short chunk (spec.md §4.7
// "on Close(), flush any remaining bytes as a final chunk").
func (s *Session) Close() *Chunk {
	if len(s.buf) == 0 {
		return nil
	}
	c := s.accept(false)
	return &c
}
