package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ChannelSettings struct {
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// consecutive failed attempts before the state becomes error. Negative retries forever.
	MaxRetries int
	// per subscription
	SubscriptionQueueSize int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		InitialBackoff:        500 * time.Millisecond,
		BackoffMultiplier:     2,
		MaxBackoff:            30 * time.Second,
		MaxRetries:            8,
		SubscriptionQueueSize: 256,
	}
}

// an open push connection
type ChannelConn interface {
	// blocks for the next event. Returns an error when the connection is lost.
	Read(ctx context.Context) (*PushEvent, error)
	Close()
}

type ChannelTransport interface {
	// An auth rejection is returned as `ErrUnauthorized`.
	Connect(ctx context.Context, credential string) (ChannelConn, error)
}

type ConnectionStateFunction func(state ConnectionState, err error)

// Owns the push connection and is the only writer of the connection state.
// Events are fanned out to subscriptions without blocking the connection loop.
type ChannelManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	clock       Clock
	transport   ChannelTransport
	credentials CredentialStore
	settings    *ChannelSettings

	stateLock sync.Mutex
	state     ConnectionState
	// incremented on every initialize and close so that a stopped run loop cannot write state
	generation uint64
	runCancel  context.CancelFunc

	stateCallbacks *CallbackList[ConnectionStateFunction]
	subscriptions  *CallbackList[*Subscription]
}

func NewChannelManagerWithDefaults(
	ctx context.Context,
	clock Clock,
	transport ChannelTransport,
	credentials CredentialStore,
) *ChannelManager {
	return NewChannelManager(ctx, clock, transport, credentials, DefaultChannelSettings())
}

func NewChannelManager(
	ctx context.Context,
	clock Clock,
	transport ChannelTransport,
	credentials CredentialStore,
	settings *ChannelSettings,
) *ChannelManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		clock:          clock,
		transport:      transport,
		credentials:    credentials,
		settings:       settings,
		state:          ConnectionStateDisconnected,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
		subscriptions:  NewCallbackList[*Subscription](),
	}
}

func (self *ChannelManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ChannelManager) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// Starts connecting from disconnected or error. Fails fast when there is no credential.
// Calling while connecting or connected does nothing.
func (self *ChannelManager) Initialize() error {
	credential, err := self.credentials.Credential()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoCredential, err)
	}
	if credential == "" {
		return ErrNoCredential
	}

	runCtx, generation, ok := func() (context.Context, uint64, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return nil, 0, false
		default:
		}
		switch self.state {
		case ConnectionStateDisconnected, ConnectionStateError:
		default:
			return nil, 0, false
		}
		if self.runCancel != nil {
			self.runCancel()
		}
		self.generation += 1
		runCtx, runCancel := context.WithCancel(self.ctx)
		self.runCancel = runCancel
		glog.V(1).Infof("[c]state %s -> %s\n", self.state, ConnectionStateConnecting)
		self.state = ConnectionStateConnecting
		return runCtx, self.generation, true
	}()
	if !ok {
		return nil
	}
	self.stateChanged(ConnectionStateConnecting, nil)
	go self.run(runCtx, generation, credential)
	return nil
}

func (self *ChannelManager) run(ctx context.Context, generation uint64, credential string) {
	backoff := NewBackoff(
		self.settings.InitialBackoff,
		self.settings.BackoffMultiplier,
		self.settings.MaxBackoff,
		self.settings.MaxRetries,
	)
	connectedBefore := false

	// waits out the next backoff delay. Returns false when the loop must end.
	retry := func(cause error) bool {
		delay, ok := backoff.Next()
		if !ok {
			glog.Infof("[c]retries exhausted after %d attempts\n", backoff.Attempt())
			err := fmt.Errorf("Could not connect after %d attempts: %w", backoff.Attempt(), cause)
			if self.setState(generation, ConnectionStateError, err) {
				self.dispatch(NewLifecycleEvent(EventError, ConnectionStateError, err))
			}
			return false
		}
		if !self.setState(generation, ConnectionStateReconnecting, nil) {
			return false
		}
		glog.Infof("[c]reconnect in %s (attempt %d)\n", delay, backoff.Attempt())
		select {
		case <-ctx.Done():
			return false
		case <-self.clock.After(delay):
		}
		return self.setState(generation, ConnectionStateConnecting, nil)
	}

	for {
		connect := func() (ChannelConn, error) {
			return self.transport.Connect(ctx, credential)
		}
		var conn ChannelConn
		var err error
		if glog.V(2) {
			conn, err = TraceWithReturnError("[c]connect", connect)
		} else {
			conn, err = connect()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Infof("[c]connect error = %s\n", err)
			if !self.setState(generation, ConnectionStateError, err) {
				return
			}
			self.dispatch(NewLifecycleEvent(EventError, ConnectionStateError, err))
			if IsUnauthorized(err) {
				// the session is invalid. Retrying cannot succeed.
				return
			}
			if !retry(err) {
				return
			}
			continue
		}

		backoff.Reset()
		if !self.setState(generation, ConnectionStateConnected, nil) {
			conn.Close()
			return
		}
		if connectedBefore {
			self.dispatch(NewLifecycleEvent(EventReconnect, ConnectionStateConnected, nil))
		} else {
			self.dispatch(NewLifecycleEvent(EventConnect, ConnectionStateConnected, nil))
		}
		connectedBefore = true

		err = self.read(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		glog.Infof("[c]disconnected = %s\n", err)
		self.dispatch(NewLifecycleEvent(EventDisconnect, ConnectionStateReconnecting, err))
		if !retry(err) {
			return
		}
	}
}

func (self *ChannelManager) read(ctx context.Context, conn ChannelConn) error {
	for {
		event, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		glog.V(2).Infof("[c]<- %s %s\n", event.Kind, event.Target())
		self.dispatch(event)
	}
}

// returns false if `generation` is no longer current
func (self *ChannelManager) setState(generation uint64, state ConnectionState, err error) bool {
	changed, ok := func() (bool, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.generation {
			return false, false
		}
		if self.state == state {
			return false, true
		}
		glog.V(1).Infof("[c]state %s -> %s\n", self.state, state)
		self.state = state
		return true, true
	}()
	if changed {
		self.stateChanged(state, err)
	}
	return ok
}

func (self *ChannelManager) stateChanged(state ConnectionState, err error) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state, err)
		})
	}
}

func (self *ChannelManager) dispatch(event *PushEvent) {
	for _, subscription := range self.subscriptions.Get() {
		subscription.offer(event)
	}
}

// `queueSize` 0 uses the settings queue size
func (self *ChannelManager) Subscribe(queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = self.settings.SubscriptionQueueSize
	}
	subscription := newSubscription(self.ctx, queueSize)
	callbackId := self.subscriptions.Add(subscription)
	subscription.unsubscribe = func() {
		self.subscriptions.Remove(callbackId)
	}
	return subscription
}

// Stops the connection. The state becomes disconnected.
// The manager can be initialized again.
func (self *ChannelManager) Close() {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.generation += 1
		if self.runCancel != nil {
			self.runCancel()
			self.runCancel = nil
		}
		if self.state == ConnectionStateDisconnected {
			return false
		}
		glog.V(1).Infof("[c]state %s -> %s\n", self.state, ConnectionStateDisconnected)
		self.state = ConnectionStateDisconnected
		return true
	}()
	if changed {
		self.stateChanged(ConnectionStateDisconnected, nil)
		self.dispatch(NewLifecycleEvent(EventDisconnect, ConnectionStateDisconnected, nil))
	}
}

// Closes the manager and every subscription.
func (self *ChannelManager) Shutdown() {
	self.Close()
	self.cancel()
}

// A bounded queue of events drained by its own goroutine.
// When the queue is full, a queued event with the same key is replaced,
// else the oldest keyed event is evicted, else the incoming event is dropped.
// Lifecycle events are never evicted by domain events.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	queueSize   int
	unsubscribe func()

	stateLock sync.Mutex
	queue     []*PushEvent
	dropCount int

	notify chan struct{}
	events chan *PushEvent
}

func newSubscription(ctx context.Context, queueSize int) *Subscription {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscription := &Subscription{
		ctx:       cancelCtx,
		cancel:    cancel,
		queueSize: queueSize,
		queue:     []*PushEvent{},
		notify:    make(chan struct{}, 1),
		events:    make(chan *PushEvent),
	}
	go subscription.run()
	return subscription
}

// closed when the subscription closes
func (self *Subscription) Events() <-chan *PushEvent {
	return self.events
}

// number of events dropped or superseded under back pressure
func (self *Subscription) DropCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dropCount
}

func (self *Subscription) Close() {
	if self.unsubscribe != nil {
		self.unsubscribe()
	}
	self.cancel()
}

// never blocks
func (self *Subscription) offer(event *PushEvent) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if len(self.queue) < self.queueSize {
			self.queue = append(self.queue, event)
			return
		}

		self.dropCount += 1
		if key := event.Key(); key != "" {
			for i, queued := range self.queue {
				if queued.Key() == key {
					glog.V(2).Infof("[s]supersede %s\n", key)
					self.queue[i] = event
					return
				}
			}
		}
		for i, queued := range self.queue {
			if queued.Key() != "" {
				glog.Infof("[s]queue full, evict %s\n", queued.Key())
				self.queue = append(self.queue[:i], self.queue[i+1:]...)
				self.queue = append(self.queue, event)
				return
			}
		}
		glog.Infof("[s]queue full, drop %s\n", event.Kind)
	}()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *Subscription) run() {
	defer close(self.events)

	for {
		var next *PushEvent
		self.stateLock.Lock()
		if 0 < len(self.queue) {
			next = self.queue[0]
			self.queue = self.queue[1:]
		}
		self.stateLock.Unlock()

		if next == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-self.notify:
			}
			continue
		}

		select {
		case <-self.ctx.Done():
			return
		case self.events <- next:
		}
	}
}
