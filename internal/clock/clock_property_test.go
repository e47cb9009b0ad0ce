package clock

import (
	"math/rand"
	"testing"
)

var propertyNodes = []string{"n1", "n2", "n3", "n4"}

// randomClock builds a clock over a small node set so that all four
// compare outcomes show up often.
func randomClock(r *rand.Rand) VectorClock {
	vc := New()
	for _, n := range propertyNodes {
		if c := r.Int63n(4); c > 0 {
			vc[n] = c
		}
	}
	return vc
}

func converse(c CompareResult) CompareResult {
	switch c {
	case Before:
		return After
	case After:
		return Before
	default:
		return c
	}
}

// TestVectorClock_Property_MergeIsLeastUpperBound tests that merge(a,b) dominates both
// inputs and is dominated by every other upper bound.
func TestVectorClock_Property_MergeIsLeastUpperBound(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		a, b, c := randomClock(r), randomClock(r), randomClock(r)
		merged := a.Merge(b)

		if comp := a.Compare(merged); comp != Before && comp != Same {
			t.Fatalf("a=%v should be <= merge=%v, got %v", a, merged, comp)
		}
		if comp := b.Compare(merged); comp != Before && comp != Same {
			t.Fatalf("b=%v should be <= merge=%v, got %v", b, merged, comp)
		}

		upper := c.Merge(a).Merge(b)
		if comp := merged.Compare(upper); comp != Before && comp != Same {
			t.Fatalf("merge=%v should be <= any upper bound %v, got %v", merged, upper, comp)
		}
	}
}

// TestVectorClock_Property_CompareAntisymmetric tests that swapping operands yields the converse
func TestVectorClock_Property_CompareAntisymmetric(t *testing.T) {
	r := rand.New(rand.NewSource(2))

	for i := 0; i < 500; i++ {
		a, b := randomClock(r), randomClock(r)
		ab, ba := a.Compare(b), b.Compare(a)
		if ba != converse(ab) {
			t.Fatalf("a=%v b=%v: a.Compare(b)=%v but b.Compare(a)=%v", a, b, ab, ba)
		}
	}
}

// TestVectorClock_Property_Irreflexive tests that no clock is strictly before itself
func TestVectorClock_Property_Irreflexive(t *testing.T) {
	r := rand.New(rand.NewSource(3))

	for i := 0; i < 200; i++ {
		a := randomClock(r)
		if comp := a.Compare(a.Copy()); comp != Same {
			t.Fatalf("a=%v compared to itself gave %v", a, comp)
		}
	}
}

// TestVectorClock_Property_Transitivity tests transitivity of Before relation
func TestVectorClock_Property_Transitivity(t *testing.T) {
	r := rand.New(rand.NewSource(4))

	for i := 0; i < 1000; i++ {
		a, b, c := randomClock(r), randomClock(r), randomClock(r)
		if a.Compare(b) == Before && b.Compare(c) == Before {
			if a.Compare(c) != Before {
				t.Fatalf("Transitivity: %v < %v < %v but a.Compare(c)=%v", a, b, c, a.Compare(c))
			}
		}
	}
}

// TestVectorClock_Property_MergeLaws tests idempotence, commutativity and associativity
func TestVectorClock_Property_MergeLaws(t *testing.T) {
	r := rand.New(rand.NewSource(5))

	for i := 0; i < 500; i++ {
		a, b, c := randomClock(r), randomClock(r), randomClock(r)

		if !a.Merge(a).Equal(a) {
			t.Fatalf("merge not idempotent for %v", a)
		}
		if !a.Merge(b).Equal(b.Merge(a)) {
			t.Fatalf("merge not commutative for %v, %v", a, b)
		}
		if !a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))) {
			t.Fatalf("merge not associative for %v, %v, %v", a, b, c)
		}
	}
}

// TestVectorClock_Property_IncrementIsAfter tests that increment always moves the clock forward
func TestVectorClock_Property_IncrementIsAfter(t *testing.T) {
	r := rand.New(rand.NewSource(6))

	for i := 0; i < 200; i++ {
		a := randomClock(r)
		node := propertyNodes[r.Intn(len(propertyNodes))]
		if comp := a.Increment(node).Compare(a); comp != After {
			t.Fatalf("increment(%v, %s) should be After, got %v", a, node, comp)
		}
	}
}
