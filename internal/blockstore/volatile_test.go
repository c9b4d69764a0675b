package blockstore

import "testing"

func TestCommitsOnceContainersClear(t *testing.T) {
	var committed []Mapping
	vs := NewVolatileStore(Callbacks{
		CommitVolatileBlock: func(m Mapping) error {
			committed = append(committed, m)
			return nil
		},
	}, nil)

	m := Mapping{BlockID: 1, Version: 1, Items: []Item{{ContainerID: 10}, {ContainerID: 11}}}
	vs.Add(m, []uint64{10, 11}, false)
	if len(committed) != 0 {
		t.Fatal("should not commit until both containers clear")
	}
	vs.OnContainerCommitted(10)
	if len(committed) != 0 {
		t.Fatal("should not commit until second container also clears")
	}
	vs.OnContainerCommitted(11)
	if len(committed) != 1 {
		t.Fatalf("expected exactly one commit, got %d", len(committed))
	}
}

func TestVersionOrderingGatesOnPredecessor(t *testing.T) {
	var committed []uint64
	vs := NewVolatileStore(Callbacks{
		CommitVolatileBlock: func(m Mapping) error {
			committed = append(committed, m.Version)
			return nil
		},
	}, nil)

	v2 := Mapping{BlockID: 1, Version: 2, Items: []Item{{ContainerID: 20}}}
	vs.Add(v2, []uint64{20}, true)
	vs.OnContainerCommitted(20)
	if len(committed) != 0 {
		t.Fatal("v2 must not install before v1")
	}

	v1 := Mapping{BlockID: 1, Version: 1, Items: []Item{{ContainerID: 10}}}
	vs.Add(v1, []uint64{10}, false)
	vs.OnContainerCommitted(10)

	if len(committed) != 2 || committed[0] != 1 || committed[1] != 2 {
		t.Fatalf("expected v1 then v2, got %v", committed)
	}
}

func TestContainerCommitFailedFailsLaterVersionsToo(t *testing.T) {
	var failed []uint64
	vs := NewVolatileStore(Callbacks{
		FailVolatileBlock: func(m Mapping) error {
			failed = append(failed, m.Version)
			return nil
		},
	}, nil)

	v1 := Mapping{BlockID: 1, Version: 1, Items: []Item{{ContainerID: 10}}}
	vs.Add(v1, []uint64{10}, false)
	v2 := Mapping{BlockID: 1, Version: 2, Items: []Item{{ContainerID: 11}}}
	vs.Add(v2, []uint64{11}, true)

	vs.OnContainerCommitFailed(10)

	if len(failed) != 2 {
		t.Fatalf("expected both v1 and v2 to fail, got %v", failed)
	}
}
