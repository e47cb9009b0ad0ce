package clock

import (
	"errors"
	"testing"
)

func TestVectorClock_Increment(t *testing.T) {
	vc := New().Increment("node1")
	if vc.Get("node1") != 1 {
		t.Errorf("Expected counter 1, got %d", vc.Get("node1"))
	}

	vc = vc.Increment("node1")
	if vc.Get("node1") != 2 {
		t.Errorf("Expected counter 2, got %d", vc.Get("node1"))
	}

	vc = vc.Increment("node2")
	if vc.Get("node2") != 1 {
		t.Errorf("Expected counter 1 for node2, got %d", vc.Get("node2"))
	}
}

func TestVectorClock_IncrementLeavesOriginal(t *testing.T) {
	vc1 := VectorClock{"node1": 5}
	vc2 := vc1.Increment("node1")

	if vc1.Get("node1") != 5 {
		t.Errorf("Increment must not modify the receiver, got %d", vc1.Get("node1"))
	}
	if vc2.Get("node1") != 6 {
		t.Errorf("Expected 6, got %d", vc2.Get("node1"))
	}
}

func TestVectorClock_Merge(t *testing.T) {
	vc1 := VectorClock{"node1": 3, "node2": 1}
	vc2 := VectorClock{"node1": 2, "node2": 5, "node3": 1}

	merged := vc1.Merge(vc2)

	if merged.Get("node1") != 3 {
		t.Errorf("Expected 3 (max), got %d", merged.Get("node1"))
	}
	if merged.Get("node2") != 5 {
		t.Errorf("Expected 5 (max), got %d", merged.Get("node2"))
	}
	if merged.Get("node3") != 1 {
		t.Errorf("Expected 1, got %d", merged.Get("node3"))
	}
	if vc1.Get("node2") != 1 {
		t.Error("Merge must not modify the receiver")
	}
}

func TestVectorClock_Compare(t *testing.T) {
	tests := []struct {
		name     string
		vc1      VectorClock
		vc2      VectorClock
		expected CompareResult
	}{
		{
			name:     "equal clocks",
			vc1:      VectorClock{"node1": 1, "node2": 2},
			vc2:      VectorClock{"node1": 1, "node2": 2},
			expected: Same,
		},
		{
			name:     "vc1 before vc2",
			vc1:      VectorClock{"node1": 1, "node2": 1},
			vc2:      VectorClock{"node1": 2, "node2": 2},
			expected: Before,
		},
		{
			name:     "vc1 after vc2",
			vc1:      VectorClock{"node1": 2, "node2": 2},
			vc2:      VectorClock{"node1": 1, "node2": 1},
			expected: After,
		},
		{
			name:     "concurrent: vc1 has higher node1, vc2 has higher node2",
			vc1:      VectorClock{"node1": 2, "node2": 1},
			vc2:      VectorClock{"node1": 1, "node2": 2},
			expected: Concurrent,
		},
		{
			name:     "vc1 before vc2 (subset)",
			vc1:      VectorClock{"node1": 1},
			vc2:      VectorClock{"node1": 2, "node2": 1},
			expected: Before,
		},
		{
			name:     "concurrent (subset with different values)",
			vc1:      VectorClock{"node1": 2},
			vc2:      VectorClock{"node1": 1, "node2": 2},
			expected: Concurrent,
		},
		{
			name:     "explicit zero entry equals missing entry",
			vc1:      VectorClock{"node1": 1, "node2": 0},
			vc2:      VectorClock{"node1": 1},
			expected: Same,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.vc1.Compare(tt.vc2)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestVectorClock_Copy(t *testing.T) {
	vc1 := VectorClock{"node1": 5, "node2": 3}

	vc2 := vc1.Copy()
	if !vc1.Equal(vc2) {
		t.Error("Copy should be equal to original")
	}

	vc2["node1"] = 9
	if vc1.Get("node1") == vc2.Get("node1") {
		t.Error("Modifying copy should not affect original")
	}
}

func TestVectorClock_Dominates(t *testing.T) {
	vc1 := VectorClock{"node1": 2, "node2": 2}
	vc2 := VectorClock{"node1": 1, "node2": 1}

	if !vc1.Dominates(vc2) {
		t.Error("vc1 should dominate vc2")
	}

	if vc2.Dominates(vc1) {
		t.Error("vc2 should not dominate vc1")
	}
}

func TestVectorClock_IsConcurrent(t *testing.T) {
	vc1 := VectorClock{"node1": 2, "node2": 1}
	vc2 := VectorClock{"node1": 1, "node2": 2}

	if !vc1.IsConcurrent(vc2) {
		t.Error("vc1 and vc2 should be concurrent")
	}

	vc3 := VectorClock{"node1": 2, "node2": 2}
	if vc1.IsConcurrent(vc3) {
		t.Error("vc1 and vc3 should not be concurrent (vc3 dominates)")
	}
}

func TestOwner_Increment(t *testing.T) {
	owner := NewOwner("self")

	vc, err := owner.Increment(New(), "self")
	if err != nil {
		t.Fatalf("owner increment failed: %v", err)
	}
	if vc.Get("self") != 1 {
		t.Errorf("Expected 1, got %d", vc.Get("self"))
	}

	_, err = owner.Increment(vc, "other")
	if !errors.Is(err, ErrInvalidOwner) {
		t.Errorf("Expected ErrInvalidOwner, got %v", err)
	}
}

func TestVectorClock_Prune(t *testing.T) {
	vc := VectorClock{"live": 3, "gone": 7}

	pruned := vc.Prune(func(node string) bool { return node != "gone" })

	if pruned.Get("gone") != 0 {
		t.Errorf("Expected gone to be pruned, got %d", pruned.Get("gone"))
	}
	if pruned.Get("live") != 3 {
		t.Errorf("Expected live to be kept, got %d", pruned.Get("live"))
	}
	if vc.Get("gone") != 7 {
		t.Error("Prune must not modify the receiver")
	}
}
