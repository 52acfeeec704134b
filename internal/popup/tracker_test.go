package popup

import (
	"math/rand"
	"testing"
	"time"

	"github.com/dgnsrekt/honeycomb/internal/types"
)

var (
	f1 = types.FrameIdentity{ProcessID: 1, RoutingID: 1}
	f2 = types.FrameIdentity{ProcessID: 2, RoutingID: 1}
)

func TestPopReturnsPushedPopupOnce(t *testing.T) {
	tr := NewTracker()
	p := New(f1, "https://a/", Payload{}, time.Time{})
	tr.Push(p)

	if got := tr.Pop(StepDecision, OpenerKey(f1, "https://a/")); got != p {
		t.Fatalf("first Pop() = %v; want pushed popup", got)
	}
	if got := tr.Pop(StepDecision, OpenerKey(f1, "https://a/")); got != nil {
		t.Fatalf("second Pop() = %v; want nil", got)
	}
	if got := tr.Len(); got != 0 {
		t.Fatalf("Len() = %d; want 0", got)
	}
}

func TestPopMatchesStepAndKeyExactly(t *testing.T) {
	tr := NewTracker()
	tr.Push(New(f1, "https://a/", Payload{}, time.Time{}))

	misses := []struct {
		name string
		step Step
		key  Key
	}{
		{"other url", StepDecision, OpenerKey(f1, "https://b/")},
		{"other opener", StepDecision, OpenerKey(f2, "https://a/")},
		{"other step", StepViewCustomization, OpenerKey(f1, "https://a/")},
	}
	for _, m := range misses {
		if got := tr.Pop(m.step, m.key); got != nil {
			t.Fatalf("%s: Pop() = %v; want nil", m.name, got)
		}
	}
	if got := tr.Len(); got != 1 {
		t.Fatalf("Len() = %d; misses must not remove", got)
	}
}

func TestKeyChangesWhenSurfaceAttached(t *testing.T) {
	tr := NewTracker()
	p := New(f1, "https://a/", Payload{}, time.Time{})
	tr.Push(p)

	got := tr.Pop(StepDecision, OpenerKey(f1, "https://a/"))
	got.Advance(StepViewCustomization)
	tr.Push(got)

	got = tr.Pop(StepViewCustomization, OpenerKey(f1, "https://a/"))
	got.AttachSurface(types.Surface{ID: "s-1", MainFrame: types.FrameIdentity{ProcessID: 7, RoutingID: 1}})
	tr.Push(got)

	if tr.Pop(StepSurfaceCreated, OpenerKey(f1, "https://a/")) != nil {
		t.Fatal("Pop() by opener key matched after surface attached")
	}
	final := tr.Pop(StepSurfaceCreated, SurfaceKey("s-1"))
	if final != p {
		t.Fatal("Pop() by surface key did not return the workflow")
	}
	if final.Surface.MainFrame.ProcessID != 7 {
		t.Fatalf("Surface = %+v", final.Surface)
	}
}

func TestAdvanceBackwardsPanics(t *testing.T) {
	p := New(f1, "https://a/", Payload{}, time.Time{})
	p.Advance(StepViewCustomization)
	defer func() {
		if recover() == nil {
			t.Fatal("Advance() backwards did not panic")
		}
	}()
	p.Advance(StepDecision)
}

func TestDuplicateKeyPanicsOnPop(t *testing.T) {
	tr := NewTracker()
	tr.Push(New(f1, "https://a/", Payload{}, time.Time{}))
	tr.Push(New(f1, "https://a/", Payload{}, time.Time{}))
	defer func() {
		if recover() == nil {
			t.Fatal("Pop() with two matches did not panic")
		}
	}()
	tr.Pop(StepDecision, OpenerKey(f1, "https://a/"))
}

func TestCancelForProcess(t *testing.T) {
	tr := NewTracker()
	tr.Push(New(f1, "https://a/", Payload{}, time.Time{}))
	tr.Push(New(f2, "https://b/", Payload{}, time.Time{}))
	tr.Push(New(types.FrameIdentity{ProcessID: 1, RoutingID: 4}, "https://c/", Payload{}, time.Time{}))

	cancelled := tr.CancelForProcess(1)
	if got, want := len(cancelled), 2; got != want {
		t.Fatalf("cancelled = %d; want %d", got, want)
	}
	if got, want := tr.Len(), 1; got != want {
		t.Fatalf("Len() = %d; want %d", got, want)
	}
	if tr.Pop(StepDecision, OpenerKey(f1, "https://a/")) != nil {
		t.Fatal("cancelled popup still poppable")
	}
	if tr.Pop(StepDecision, OpenerKey(f2, "https://b/")) == nil {
		t.Fatal("popup of another process was cancelled")
	}
}

func TestSnapshotDoesNotAlias(t *testing.T) {
	tr := NewTracker()
	tr.Push(New(f1, "https://a/", Payload{Extra: types.Extra{"k": "v"}}, time.Time{}))

	snap := tr.Snapshot()
	snap[0].Payload.Extra["k"] = "changed"
	snap[0].TargetURL = "https://z/"

	p := tr.Pop(StepDecision, OpenerKey(f1, "https://a/"))
	if p == nil || p.Payload.Extra["k"] != "v" {
		t.Fatalf("snapshot aliased tracker state: %+v", p)
	}
}

// Pop finds a popup exactly when an unpopped Push with the same step and key
// happened.
func TestPopMatchesPushHistory(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	urls := []string{"https://a/", "https://b/", "https://c/"}
	openers := []types.FrameIdentity{f1, f2}

	tr := NewTracker()
	live := map[Key]int{}
	for i := 0; i < 500; i++ {
		key := OpenerKey(openers[rng.Intn(len(openers))], urls[rng.Intn(len(urls))])
		if rng.Intn(2) == 0 && live[key] == 0 {
			tr.Push(New(key.Opener, key.TargetURL, Payload{}, time.Time{}))
			live[key]++
			continue
		}
		got := tr.Pop(StepDecision, key)
		if want := live[key] > 0; (got != nil) != want {
			t.Fatalf("iteration %d: Pop(%+v) found=%v; want %v", i, key, got != nil, want)
		}
		if got != nil {
			live[key]--
		}
	}
}

func TestWindowInfoFromFeatures(t *testing.T) {
	x, w := 10, 640
	wi := WindowInfoFromFeatures(Features{X: &x, Width: &w, IsPopup: true}, true)
	if wi.X != 10 || wi.Y != 0 || wi.Width != 640 || wi.Height != 0 || !wi.IsPopup || !wi.Windowless {
		t.Fatalf("WindowInfoFromFeatures() = %+v", wi)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeCustomView, "custom_view": ModeCustomView, "default_view": ModeDefaultView} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("chrome"); err == nil {
		t.Fatal("ParseMode(chrome) error = nil")
	}
	if got, want := ModeDefaultView.AwaitingSurface(), StepDecision; got != want {
		t.Fatalf("AwaitingSurface() = %v; want %v", got, want)
	}
}
