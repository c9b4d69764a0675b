package config

import "testing"

func TestDefaultFormatValidates(t *testing.T) {
	if err := DefaultFormat().Validate(); err != nil {
		t.Fatalf("expected default format to validate, got %v", err)
	}
}

func TestValidateRejectsNonPowerOfTwoAverage(t *testing.T) {
	f := DefaultFormat()
	f.ChunkAvgSize = 1000
	if err := f.Validate(); err == nil {
		t.Fatal("expected non-power-of-two average chunk size to be rejected")
	}
}

func TestValidateRejectsOutOfOrderChunkBounds(t *testing.T) {
	f := DefaultFormat()
	f.ChunkMinSize = f.ChunkMaxSize + 1
	if err := f.Validate(); err == nil {
		t.Fatal("expected min > max to be rejected")
	}
}

func TestValidateRejectsSparseWithGCEnabled(t *testing.T) {
	f := DefaultFormat()
	f.SparseIndex = true
	f.SampleFactor = 8
	if err := f.Validate(); err == nil {
		t.Fatal("expected sparse index + GC threshold combination to be rejected")
	}
}

func TestStartContextRequiresDir(t *testing.T) {
	var sc StartContext
	if err := sc.Validate(); err == nil {
		t.Fatal("expected empty directory to be rejected")
	}
}

func TestStartContextRejectsCreateAndNoCreate(t *testing.T) {
	sc := StartContext{Dir: "/tmp/x", Create: true, NoCreate: true}
	if err := sc.Validate(); err == nil {
		t.Fatal("expected --create/--no-create conflict to be rejected")
	}
}

func TestStopContextRejectsWritebackAndFast(t *testing.T) {
	sc := StopContext{Writeback: true, Fast: true}
	if err := sc.Validate(); err == nil {
		t.Fatal("expected --writeback/--fast conflict to be rejected")
	}
}
