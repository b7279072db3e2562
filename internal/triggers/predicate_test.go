package triggers

import (
	"errors"
	"testing"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
)

var testStart = time.Date(2025, 5, 24, 12, 0, 0, 0, time.UTC)

func expectResult(t *testing.T, h *Handle, met bool) Result {
	t.Helper()
	select {
	case r := <-h.Done():
		if r.Met != met {
			t.Fatalf("%s: expected met=%v, got %+v", h.Kind(), met, r)
		}
		return r
	case <-time.After(time.Second):
		t.Fatalf("%s: predicate did not resolve", h.Kind())
	}
	return Result{}
}

func expectPending(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case r := <-h.Done():
		t.Fatalf("%s: expected no resolution, got %+v", h.Kind(), r)
	default:
	}
}

func TestPageLoadResolvesAfterDelay(t *testing.T) {
	clk := clock.NewManual(testStart)
	page := NewPage(clk)

	h := Start(PageLoad{Delay: 3 * time.Second}, page)
	expectPending(t, h)

	clk.Advance(2 * time.Second)
	expectPending(t, h)

	clk.Advance(time.Second)
	expectResult(t, h, true)
}

func TestPageLoadCountsTimeSinceLoad(t *testing.T) {
	clk := clock.NewManual(testStart)
	page := NewPage(clk, WithLoadedAt(testStart.Add(-5*time.Second)))

	h := Start(PageLoad{Delay: 3 * time.Second}, page)
	expectResult(t, h, true)
	if clk.Pending() != 0 {
		t.Fatalf("no timer should be scheduled, got %d", clk.Pending())
	}
}

func TestPageLoadCancelStopsTimer(t *testing.T) {
	clk := clock.NewManual(testStart)
	page := NewPage(clk)

	h := Start(PageLoad{Delay: time.Minute}, page)
	if clk.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", clk.Pending())
	}
	h.Cancel()
	if clk.Pending() != 0 {
		t.Fatalf("cancel should stop the timer, %d pending", clk.Pending())
	}
	clk.Advance(2 * time.Minute)
	expectPending(t, h)
}

func TestTimeOnPageIncludesPriorTime(t *testing.T) {
	clk := clock.NewManual(testStart)
	page := NewPage(clk, WithPriorTime(20*time.Second))

	h := Start(TimeOnPage{Duration: 30 * time.Second}, page)
	expectPending(t, h)
	clk.Advance(10 * time.Second)
	expectResult(t, h, true)
}

func TestScrollDepth(t *testing.T) {
	page := NewPage(clock.NewManual(testStart))

	h := Start(ScrollDepth{DepthPercentage: 50}, page)
	page.Publish(Event{Kind: EventScroll, ScrollDepth: 30})
	expectPending(t, h)

	page.Publish(Event{Kind: EventScroll, ScrollDepth: 55})
	expectResult(t, h, true)

	if n := page.Subscribers(EventScroll); n != 0 {
		t.Fatalf("subscription should be released after resolution, %d left", n)
	}
}

func TestScrollDepthAlreadyReached(t *testing.T) {
	page := NewPage(clock.NewManual(testStart), WithScrollDepth(80))
	h := Start(ScrollDepth{DepthPercentage: 50}, page)
	expectResult(t, h, true)
	if n := page.Subscribers(EventScroll); n != 0 {
		t.Fatalf("subscription should be released, %d left", n)
	}
}

func TestExitIntentOnlyTopEdge(t *testing.T) {
	page := NewPage(clock.NewManual(testStart))
	h := Start(ExitIntent{}, page)

	page.Publish(Event{Kind: EventPointerLeave, ClientY: 400})
	expectPending(t, h)

	page.Publish(Event{Kind: EventPointerLeave, ClientY: -2})
	expectResult(t, h, true)
}

func TestExitIntentAlreadyLeft(t *testing.T) {
	page := NewPage(clock.NewManual(testStart), WithExitedTop())
	h := Start(ExitIntent{}, page)
	expectResult(t, h, true)
	if n := page.Subscribers(EventPointerLeave); n != 0 {
		t.Fatalf("subscription should be released, %d left", n)
	}
}

func TestCartValue(t *testing.T) {
	testCases := []struct {
		name    string
		trigger CartValue
		total   float64
		want    bool
	}{
		{"below min", CartValue{Min: 50}, 49.99, false},
		{"at min", CartValue{Min: 50}, 50, true},
		{"no max", CartValue{Min: 50}, 5000, true},
		{"above max", CartValue{Min: 50, Max: 100}, 100.01, false},
		{"within range", CartValue{Min: 50, Max: 100}, 75, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			page := NewPage(clock.NewManual(testStart), WithCartTotal(tc.total))
			expectResult(t, Start(tc.trigger, page), tc.want)
		})
	}
}

func TestCartValueReadFailureIsFalse(t *testing.T) {
	page := NewPage(clock.NewManual(testStart), WithCartError(errors.New("cart api down")))
	r := expectResult(t, Start(CartValue{Min: 1}, page), false)
	if r.Err == nil {
		t.Fatal("expected the read error to be reported")
	}
}

func TestElementVisible(t *testing.T) {
	page := NewPage(clock.NewManual(testStart))
	h := Start(ElementVisible{Selector: "#newsletter"}, page)

	page.Publish(Event{Kind: EventVisibility, Selector: "#footer", Visible: true})
	expectPending(t, h)
	page.Publish(Event{Kind: EventVisibility, Selector: "#newsletter", Visible: false})
	expectPending(t, h)
	page.Publish(Event{Kind: EventVisibility, Selector: "#newsletter", Visible: true})
	expectResult(t, h, true)
}

type panickyEnv struct{ *Page }

func (panickyEnv) CartTotal() (float64, error) { panic("cart widget exploded") }

func TestPredicatePanicResolvesFalse(t *testing.T) {
	env := panickyEnv{NewPage(clock.NewManual(testStart))}
	r := expectResult(t, Start(CartValue{Min: 1}, env), false)
	if !errors.Is(r.Err, ErrPredicatePanic) {
		t.Fatalf("expected ErrPredicatePanic, got %v", r.Err)
	}
}

func TestGuardRecoversCallbackPanic(t *testing.T) {
	page := NewPage(clock.NewManual(testStart))
	h := Start(ScrollDepth{DepthPercentage: 10}, page)
	h.guard(func() { panic("boom") })

	r := expectResult(t, h, false)
	if !errors.Is(r.Err, ErrPredicatePanic) {
		t.Fatalf("expected ErrPredicatePanic, got %v", r.Err)
	}
	if n := page.Subscribers(EventScroll); n != 0 {
		t.Fatalf("subscription should be released, %d left", n)
	}
}

func TestCancelDiscardsLateEvents(t *testing.T) {
	page := NewPage(clock.NewManual(testStart))
	h := Start(ExitIntent{}, page)
	h.Cancel()
	if !h.Settled() {
		t.Fatal("cancelled handle should be settled")
	}
	page.Publish(Event{Kind: EventPointerLeave, ClientY: 0})
	expectPending(t, h)
	if n := page.Subscribers(EventPointerLeave); n != 0 {
		t.Fatalf("cancel should release the subscription, %d left", n)
	}
}
