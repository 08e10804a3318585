package disconnect

import "testing"

func TestFireReplaysArmedTuplesInOrder(t *testing.T) {
	tr := New()
	var got []Tuple
	tr.Arm("mod-a", "tag-1", func(tup Tuple, arg interface{}) { got = append(got, tup) }, nil)
	tr.Arm("mod-b", "tag-2", func(tup Tuple, arg interface{}) { got = append(got, tup) }, nil)

	tr.Fire()

	want := []Tuple{{Sender: "mod-a", MatchTag: "tag-1"}, {Sender: "mod-b", MatchTag: "tag-2"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFireIsIdempotent(t *testing.T) {
	tr := New()
	calls := 0
	tr.Arm("mod-a", "tag-1", func(Tuple, interface{}) { calls++ }, nil)

	tr.Fire()
	tr.Fire()

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
}

func TestArmAfterFireIsNoop(t *testing.T) {
	tr := New()
	tr.Fire()
	tr.Arm("late", "tag", func(Tuple, interface{}) { t.Fatal("callback should never run") }, nil)
	if tr.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tr.Len())
	}
}
