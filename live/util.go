package live

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// copy-on-write callback list. `Get` returns a snapshot that is safe to iterate without the lock.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	ordered        []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
		ordered:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ordered
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.reorder()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	self.reorder()
}

// must be called with `mutex`
func (self *CallbackList[T]) reorder() {
	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	ordered := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		ordered = append(ordered, self.callbacks[callbackId])
	}
	self.ordered = ordered
}

// exponential reconnect backoff with a cap and a bounded number of attempts
type Backoff struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	maxRetries int

	attempt int
}

func NewBackoff(initial time.Duration, multiplier float64, max time.Duration, maxRetries int) *Backoff {
	return &Backoff{
		initial:    initial,
		multiplier: multiplier,
		max:        max,
		maxRetries: maxRetries,
	}
}

// returns the delay before the next attempt, or false when retries are exhausted.
// A negative `maxRetries` retries forever.
func (self *Backoff) Next() (time.Duration, bool) {
	if 0 <= self.maxRetries && self.maxRetries <= self.attempt {
		return 0, false
	}
	delay := self.initial
	for i := 0; i < self.attempt; i += 1 {
		delay = time.Duration(float64(delay) * self.multiplier)
		if self.max <= delay {
			delay = self.max
			break
		}
	}
	if self.max < delay {
		delay = self.max
	}
	self.attempt += 1
	return delay, true
}

func (self *Backoff) Attempt() int {
	return self.attempt
}

func (self *Backoff) Reset() {
	self.attempt = 0
}
