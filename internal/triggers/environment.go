package triggers

import (
	"sync"
	"time"

	"github.com/patrickwarner/popgate/internal/clock"
)

// EventKind identifies a page event delivered to subscribers.
type EventKind string

const (
	EventScroll       EventKind = "scroll"
	EventPointerLeave EventKind = "pointer_leave"
	EventVisibility   EventKind = "visibility"
	EventCart         EventKind = "cart"
)

// Event is a single page signal. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind
	ScrollDepth int     // EventScroll: percentage of the page scrolled
	ClientY     int     // EventPointerLeave: pointer y coordinate when it left
	Selector    string  // EventVisibility
	Visible     bool    // EventVisibility
	CartTotal   float64 // EventCart
}

// Environment is the live page as seen by the predicates.
type Environment interface {
	Clock() clock.Clock
	// LoadedAt is when the page finished loading.
	LoadedAt() time.Time
	// TimeOnPage is the time the visitor has spent on the page so far.
	TimeOnPage() time.Duration
	ScrollDepth() int
	CartTotal() (float64, error)
	IsVisible(selector string) bool
	// ExitedTop reports whether the pointer has already left through the
	// top edge of the viewport.
	ExitedTop() bool
	// Subscribe registers fn for events of kind. The returned function
	// removes the subscription and is safe to call more than once.
	Subscribe(kind EventKind, fn func(Event)) (unsubscribe func())
}

// Page is an in-process Environment fed by Publish. It is safe for
// concurrent use; subscribers are called outside the page lock.
type Page struct {
	clk      clock.Clock
	loadedAt time.Time
	prior    time.Duration

	mu          sync.Mutex
	scrollDepth int
	cartTotal   float64
	cartErr     error
	visible     map[string]bool
	exitedTop   bool
	nextID      int
	subs        map[EventKind]map[int]func(Event)
}

// PageOption configures a Page.
type PageOption func(*Page)

// WithLoadedAt sets the page load time. Defaults to the clock's now.
func WithLoadedAt(t time.Time) PageOption {
	return func(p *Page) { p.loadedAt = t }
}

// WithPriorTime adds time the visitor already spent on the page before it
// was (re)loaded, e.g. carried across a soft navigation.
func WithPriorTime(d time.Duration) PageOption {
	return func(p *Page) { p.prior = d }
}

// WithScrollDepth sets the initial scroll depth.
func WithScrollDepth(depth int) PageOption {
	return func(p *Page) { p.scrollDepth = depth }
}

// WithCartTotal sets the initial cart total.
func WithCartTotal(total float64) PageOption {
	return func(p *Page) { p.cartTotal = total }
}

// WithCartError makes CartTotal fail, e.g. when the cart could not be read.
func WithCartError(err error) PageOption {
	return func(p *Page) { p.cartErr = err }
}

// WithVisible marks elements as visible at load.
func WithVisible(selectors ...string) PageOption {
	return func(p *Page) {
		for _, s := range selectors {
			p.visible[s] = true
		}
	}
}

// WithExitedTop records that the pointer already left through the top edge.
func WithExitedTop() PageOption {
	return func(p *Page) { p.exitedTop = true }
}

// NewPage returns a Page using clk as its time source.
func NewPage(clk clock.Clock, opts ...PageOption) *Page {
	if clk == nil {
		clk = clock.New()
	}
	p := &Page{
		clk:     clk,
		visible: make(map[string]bool),
		subs:    make(map[EventKind]map[int]func(Event)),
	}
	p.loadedAt = clk.Now()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Page) Clock() clock.Clock   { return p.clk }
func (p *Page) LoadedAt() time.Time { return p.loadedAt }

func (p *Page) TimeOnPage() time.Duration {
	return p.prior + p.clk.Now().Sub(p.loadedAt)
}

func (p *Page) ScrollDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollDepth
}

func (p *Page) CartTotal() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cartTotal, p.cartErr
}

func (p *Page) IsVisible(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector]
}

func (p *Page) ExitedTop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedTop
}

func (p *Page) Subscribe(kind EventKind, fn func(Event)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.subs[kind] == nil {
		p.subs[kind] = make(map[int]func(Event))
	}
	p.subs[kind][id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs[kind], id)
			p.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions for kind.
func (p *Page) Subscribers(kind EventKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[kind])
}

// Publish records ev in the page state and delivers it to subscribers.
func (p *Page) Publish(ev Event) {
	p.mu.Lock()
	switch ev.Kind {
	case EventScroll:
		if ev.ScrollDepth > p.scrollDepth {
			p.scrollDepth = ev.ScrollDepth
		}
	case EventVisibility:
		p.visible[ev.Selector] = ev.Visible
	case EventPointerLeave:
		if ev.ClientY <= ExitIntentEdge {
			p.exitedTop = true
		}
	case EventCart:
		p.cartTotal = ev.CartTotal
		p.cartErr = nil
	}
	fns := make([]func(Event), 0, len(p.subs[ev.Kind]))
	for _, fn := range p.subs[ev.Kind] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
