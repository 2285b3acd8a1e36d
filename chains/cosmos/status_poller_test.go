package cosmos

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cybercongress/ibc-history/chains/common"
	"github.com/cybercongress/ibc-history/network"
	mocknetwork "github.com/cybercongress/ibc-history/tests/mock/network"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

const statusBody = `{"jsonrpc":"2.0","id":-1,"result":{"node_info":{"network":"bostrom"},"sync_info":{"latest_block_height":"100","latest_block_time":"2023-06-01T12:00:00.5Z","catching_up":false}}}`

type sleepRecorder struct {
	lock   sync.Mutex
	sleeps []time.Duration
	onCall func(n int)
}

func (r *sleepRecorder) sleep(d time.Duration) {
	r.lock.Lock()
	r.sleeps = append(r.sleeps, d)
	n := len(r.sleeps)
	r.lock.Unlock()

	if r.onCall != nil {
		r.onCall(n)
	}
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]time.Duration{}, r.sleeps...)
}

func TestStatusPoller_RecoversAfterFailures(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockHttp := mocknetwork.NewMockHttp(ctrl)
	gomock.InOrder(
		mockHttp.EXPECT().Get(gomock.Any()).Return(nil, errors.New("connection refused")).Times(3),
		mockHttp.EXPECT().Get(gomock.Any()).DoAndReturn(func(req *http.Request) ([]byte, error) {
			require.Equal(t, "http://localhost:26657/status", req.URL.String())
			return []byte(statusBody), nil
		}).Times(1),
	)

	ready := make(chan struct{})
	recorder := &sleepRecorder{onCall: func(n int) {
		if n == 1 {
			<-ready
		}
	}}
	poller := NewStatusPoller("bostrom", "http://localhost:26657/", mockHttp, WithSleep(recorder.sleep))

	statusCh := make(chan *StatusResponse, 1)
	var unsubscribe func()
	unsubscribe = poller.Subscribe(func(status *StatusResponse) {
		unsubscribe()
		statusCh <- status
	})
	close(ready)

	select {
	case status := <-statusCh:
		require.Equal(t, statusBody, string(status.Raw))
		require.Equal(t, "100", status.Result.SyncInfo.LatestBlockHeight)
		blockTime, ok := status.BlockTime()
		require.True(t, ok)
		require.Equal(t, int64(1685620800500), blockTime.UnixMilli())
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	require.Equal(t, common.BaseInterval, poller.tracker.Interval())
	require.Equal(t, 0, poller.tracker.ConsecutiveErrors())
	require.Equal(t, 0, poller.SubscriptionCount())
	require.Equal(t, []time.Duration{
		7500 * time.Millisecond,
		15000 * time.Millisecond,
		30000 * time.Millisecond,
		60000 * time.Millisecond,
	}, recorder.recorded())
}

func TestStatusPoller_CircuitBreaker(t *testing.T) {
	t.Parallel()

	mockHttp := &network.MockHttp{
		GetFunc: func(req *http.Request) ([]byte, error) {
			return nil, &network.StatusError{Url: req.URL.String(), StatusCode: http.StatusBadGateway}
		},
	}

	done := make(chan struct{})
	ready := make(chan struct{})
	var unsubscribe func()
	recorder := &sleepRecorder{}
	recorder.onCall = func(n int) {
		if n == 1 {
			<-ready
		}
		if n == 12 {
			unsubscribe()
			close(done)
		}
	}

	poller := NewStatusPoller("bostrom", "http://localhost:26657", mockHttp, WithSleep(recorder.sleep))
	handlerCalled := false
	unsubscribe = poller.Subscribe(func(status *StatusResponse) {
		handlerCalled = true
	})
	close(ready)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not reach the circuit breaker")
	}

	sleeps := recorder.recorded()
	require.Len(t, sleeps, 12)
	require.Equal(t, 7500*time.Millisecond, sleeps[0])
	require.Equal(t, 15000*time.Millisecond, sleeps[1])
	require.Equal(t, 30000*time.Millisecond, sleeps[2])
	for i := 3; i < 10; i++ {
		require.Equal(t, 60000*time.Millisecond, sleeps[i])
	}
	// Ten failures open the breaker, then the interval starts over from the base.
	require.Equal(t, common.CircuitBreakerPause, sleeps[10])
	require.Equal(t, common.BaseInterval, sleeps[11])

	require.Equal(t, 10, mockHttp.Calls())
	require.False(t, handlerCalled)
}

func TestStatusPoller_UnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	poller := NewStatusPoller("bostrom", "http://localhost:26657", &network.MockHttp{}, WithSleep(func(time.Duration) {
		<-block
	}))

	unsubscribe1 := poller.Subscribe(func(*StatusResponse) {})
	unsubscribe2 := poller.Subscribe(func(*StatusResponse) {})
	require.Equal(t, 2, poller.SubscriptionCount())

	unsubscribe1()
	unsubscribe1()
	require.Equal(t, 1, poller.SubscriptionCount())

	unsubscribe2()
	require.Equal(t, 0, poller.SubscriptionCount())
	close(block)
}

func TestStatusPoller_SingleLoop(t *testing.T) {
	t.Parallel()

	mockHttp := &network.MockHttp{
		GetFunc: func(req *http.Request) ([]byte, error) {
			return []byte(statusBody), nil
		},
	}

	release := make(chan struct{})
	poller := NewStatusPoller("bostrom", "http://localhost:26657", mockHttp, WithSleep(func(time.Duration) {
		<-release
	}))

	statusCh := make(chan struct{}, 10)
	unsubscribes := make([]func(), 0)
	for i := 0; i < 3; i++ {
		unsubscribes = append(unsubscribes, poller.Subscribe(func(*StatusResponse) {
			statusCh <- struct{}{}
		}))
	}

	// One poll cycle, three handlers.
	release <- struct{}{}
	for i := 0; i < 3; i++ {
		select {
		case <-statusCh:
		case <-time.After(5 * time.Second):
			t.Fatal("handler was not called")
		}
	}

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	close(release)

	require.Eventually(t, func() bool {
		return !poller.running.Load()
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, mockHttp.Calls())
}
