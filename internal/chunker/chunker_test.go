package chunker

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestChunksRespectMinAndMax(t *testing.T) {
	cfg := Config{WindowSize: 48, MinSize: 256, AvgSize: 1024, MaxSize: 4096, Poly: DefaultPoly}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 200*1024)
	rand.New(rand.NewSource(1)).Read(data)

	s := c.NewSession()
	var chunks []Chunk
	chunks = append(chunks, s.Write(data)...)
	if last := s.Close(); last != nil {
		chunks = append(chunks, *last)
	}

	var total int
	for i, ch := range chunks {
		total += len(ch.Data)
		if i < len(chunks)-1 && len(ch.Data) < cfg.MinSize {
			t.Fatalf("non-final chunk %d too small: %d", i, len(ch.Data))
		}
		if len(ch.Data) > cfg.MaxSize {
			t.Fatalf("chunk %d too large: %d", i, len(ch.Data))
		}
	}
	if total != len(data) {
		t.Fatalf("chunks do not tile input: got %d want %d", total, len(data))
	}
}

func TestChunkingIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	data := make([]byte, 64*1024)
	rand.New(rand.NewSource(42)).Read(data)

	chunk := func() [][]byte {
		c, err := New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		s := c.NewSession()
		var out [][]byte
		for _, ch := range s.Write(data) {
			out = append(out, ch.Data)
		}
		if last := s.Close(); last != nil {
			out = append(out, last.Data)
		}
		return out
	}

	a, b := chunk(), chunk()
	if len(a) != len(b) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("non-deterministic chunk %d", i)
		}
	}
}

func TestInsertingBytesShiftsOnlyLocalChunks(t *testing.T) {
	cfg := Config{WindowSize: 48, MinSize: 256, AvgSize: 1024, MaxSize: 4096, Poly: DefaultPoly}
	base := make([]byte, 32*1024)
	rand.New(rand.NewSource(7)).Read(base)

	chunkAll := func(data []byte) [][]byte {
		c, _ := New(cfg)
		s := c.NewSession()
		var out [][]byte
		for _, ch := range s.Write(data) {
			out = append(out, append([]byte(nil), ch.Data...))
		}
		if last := s.Close(); last != nil {
			out = append(out, last.Data)
		}
		return out
	}

	original := chunkAll(base)
	modified := make([]byte, 0, len(base)+16)
	modified = append(modified, base[:10*1024]...)
	modified = append(modified, []byte("some inserted bytes here!!")...)
	modified = append(modified, base[10*1024:]...)
	after := chunkAll(modified)

	matches := 0
	seen := map[string]bool{}
	for _, ch := range original {
		seen[string(ch)] = true
	}
	for _, ch := range after {
		if seen[string(ch)] {
			matches++
		}
	}
	if matches == 0 {
		t.Fatal("expected at least some chunks to survive a local insertion")
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{WindowSize: 48, MinSize: 4096, AvgSize: 1024, MaxSize: 8192, Poly: DefaultPoly})
	if err == nil {
		t.Fatal("expected error when min > avg")
	}
	_, err = New(Config{WindowSize: 48, MinSize: 256, AvgSize: 1000, MaxSize: 4096, Poly: DefaultPoly})
	if err == nil {
		t.Fatal("expected error for non-power-of-two average")
	}
}
