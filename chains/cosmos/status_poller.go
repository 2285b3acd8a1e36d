package cosmos

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cybercongress/ibc-history/chains/common"
	"github.com/cybercongress/ibc-history/network"
	"github.com/sisu-network/lib/log"
	"go.uber.org/atomic"
)

type StatusHandler func(status *StatusResponse)

type PollerOption func(p *StatusPoller)

// WithIntervals overrides the base and max polling intervals.
func WithIntervals(base, max time.Duration) PollerOption {
	return func(p *StatusPoller) {
		p.tracker = common.NewIntervalTracker(base, max)
	}
}

// WithSleep replaces time.Sleep in the polling loop.
func WithSleep(sleep func(time.Duration)) PollerOption {
	return func(p *StatusPoller) {
		p.sleep = sleep
	}
}

// StatusPoller periodically fetches the /status endpoint of a chain and fans the result out to its
// subscribers. Polling only runs while there is at least one subscriber.
type StatusPoller struct {
	chainId string
	rpcUrl  string
	http    network.Http
	tracker *common.IntervalTracker
	sleep   func(time.Duration)

	lock              *sync.Mutex
	handlers          map[uint64]StatusHandler
	nextHandlerId     uint64
	subscriptionCount *atomic.Int32
	running           *atomic.Bool
}

func NewStatusPoller(chainId, rpcUrl string, http network.Http, opts ...PollerOption) *StatusPoller {
	p := &StatusPoller{
		chainId:           chainId,
		rpcUrl:            strings.TrimRight(rpcUrl, "/"),
		http:              http,
		tracker:           common.NewIntervalTracker(common.BaseInterval, common.MaxInterval),
		sleep:             time.Sleep,
		lock:              &sync.Mutex{},
		handlers:          make(map[uint64]StatusHandler),
		subscriptionCount: atomic.NewInt32(0),
		running:           atomic.NewBool(false),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Subscribe registers a handler for every successful status poll. The returned function removes
// the handler and can be called more than once.
func (p *StatusPoller) Subscribe(handler StatusHandler) func() {
	p.lock.Lock()
	p.nextHandlerId++
	id := p.nextHandlerId
	p.handlers[id] = handler
	p.lock.Unlock()

	if p.subscriptionCount.Inc() == 1 {
		p.startPolling()
	}

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			p.lock.Lock()
			delete(p.handlers, id)
			p.lock.Unlock()

			p.subscriptionCount.Dec()
		})
	}
}

func (p *StatusPoller) SubscriptionCount() int {
	return int(p.subscriptionCount.Load())
}

func (p *StatusPoller) startPolling() {
	if !p.running.CAS(false, true) {
		// The previous loop has not seen the count drop yet and keeps going.
		return
	}

	go p.loop()
}

func (p *StatusPoller) loop() {
	for {
		p.pollWhileSubscribed()

		p.running.Store(false)
		// A subscriber may have come in between the last count check and the store above.
		if p.subscriptionCount.Load() <= 0 || !p.running.CAS(false, true) {
			return
		}
	}
}

func (p *StatusPoller) pollWhileSubscribed() {
	for p.subscriptionCount.Load() > 0 {
		if p.tracker.ShouldBreak() {
			log.Warnf("Too many errors polling status of chain %s, pausing for %s", p.chainId, common.CircuitBreakerPause)
			p.sleep(common.CircuitBreakerPause)
			p.tracker.Reset()
		}

		p.sleep(p.tracker.Interval())
		if p.subscriptionCount.Load() <= 0 {
			return
		}

		status, err := p.fetchStatus()
		if err != nil {
			p.tracker.Fail()
			log.Verbosef("Failed to poll status of chain %s, consecutive errors = %d, err = %v",
				p.chainId, p.tracker.ConsecutiveErrors(), err)
			continue
		}

		p.tracker.Succeed()
		for _, handler := range p.snapshotHandlers() {
			handler(status)
		}
	}
}

func (p *StatusPoller) snapshotHandlers() []StatusHandler {
	p.lock.Lock()
	defer p.lock.Unlock()

	handlers := make([]StatusHandler, 0, len(p.handlers))
	for _, handler := range p.handlers {
		handlers = append(handlers, handler)
	}

	return handlers
}

func (p *StatusPoller) fetchStatus() (*StatusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, p.rpcUrl+"/status", nil)
	if err != nil {
		return nil, err
	}

	body, err := p.http.Get(req)
	if err != nil {
		return nil, err
	}

	return ParseStatusResponse(body)
}
