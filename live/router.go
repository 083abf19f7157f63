package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type RouterSettings struct {
	// a change waiting for a missing entity is dropped after this
	BufferTimeout      time.Duration
	MaxBufferedChanges int
	// dedup keys are remembered for this long
	DedupWindow   time.Duration
	DedupCapacity uint64
	// confirmed local ids are mapped to server ids for this long.
	// Longer than `DedupWindow` so that late changes naming a local id still resolve.
	ResolvedIdTimeout time.Duration
}

func DefaultRouterSettings() *RouterSettings {
	return &RouterSettings{
		BufferTimeout:      10 * time.Second,
		MaxBufferedChanges: 1024,
		DedupWindow:        5 * time.Minute,
		DedupCapacity:      16 * 1024,
		ResolvedIdTimeout:  30 * time.Minute,
	}
}

type bufferedChange struct {
	change    *Change
	missingId Id
	expiry    time.Time
}

// Single entry point for changes from rest results and push events.
// For each change: resolve local ids, resolve a pending operation, drop duplicates,
// apply to the store with stale detection, and buffer changes whose parent or target is not loaded yet.
type Router struct {
	ctx context.Context

	clock       Clock
	store       *EntityStore
	coordinator *Coordinator
	settings    *RouterSettings

	seen *ttlcache.Cache[string, struct{}]
	// local id -> server id
	resolvedIds *ttlcache.Cache[Id, Id]

	stateLock sync.Mutex
	// missing id -> changes in arrival order
	buffered      map[Id][]*bufferedChange
	bufferedCount int
}

func NewRouterWithDefaults(ctx context.Context, clock Clock, store *EntityStore, coordinator *Coordinator) *Router {
	return NewRouter(ctx, clock, store, coordinator, DefaultRouterSettings())
}

func NewRouter(
	ctx context.Context,
	clock Clock,
	store *EntityStore,
	coordinator *Coordinator,
	settings *RouterSettings,
) *Router {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](settings.DedupWindow),
		ttlcache.WithCapacity[string, struct{}](settings.DedupCapacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	resolvedIds := ttlcache.New[Id, Id](
		ttlcache.WithTTL[Id, Id](settings.ResolvedIdTimeout),
		ttlcache.WithCapacity[Id, Id](settings.DedupCapacity),
		ttlcache.WithDisableTouchOnHit[Id, Id](),
	)
	go seen.Start()
	go resolvedIds.Start()
	go func() {
		<-ctx.Done()
		seen.Stop()
		resolvedIds.Stop()
	}()

	return &Router{
		ctx:         ctx,
		clock:       clock,
		store:       store,
		coordinator: coordinator,
		settings:    settings,
		seen:        seen,
		resolvedIds: resolvedIds,
		buffered:    map[Id][]*bufferedChange{},
	}
}

// Applies one change and any buffered changes it unblocks.
// The first outcome is for `change`.
func (self *Router) Apply(change *Change) []*Outcome {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	outcome := self.apply(change)
	outcomes := []*Outcome{outcome}
	if outcome.Status.IsAccepted() && outcome.Change.Kind.IsCreate() {
		outcomes = append(outcomes, self.flush(outcome.Change.Target())...)
	}
	return outcomes
}

// must be called with `stateLock`
func (self *Router) apply(change *Change) *Outcome {
	change = self.resolveIds(change)
	if change.Like != nil && change.Like.At.IsZero() && !change.ServerTime.IsZero() {
		like := *change.Like
		like.At = change.ServerTime
		timed := *change
		timed.Like = &like
		change = &timed
	}

	duplicate := !change.ServerTime.IsZero() && self.seen.Get(change.DedupKey()) != nil
	// A replayed change never resolves a pending operation.
	// A rest result still answers the operation that it names.
	if !duplicate || !change.LocalId.IsEmpty() {
		if op := self.coordinator.Match(change); op != nil && self.coordinator.Confirm(op) {
			return self.confirm(change, op)
		}
	}

	if duplicate {
		glog.V(2).Infof("[r]duplicate %s = %s\n", change.Kind, change.Target())
		return &Outcome{
			Status: OutcomeDuplicate,
			Change: change,
		}
	}

	if change.Kind == ChangeLike && change.Like.At.IsZero() {
		// never treat a remote like as a local record
		glog.Infof("[r]drop like without server time = %s\n", change.Target())
		return &Outcome{
			Status: OutcomeDropped,
			Change: change,
			Err:    fmt.Errorf("Like change without server time: %s", change.Target()),
		}
	}

	err := self.applyToStore(change, false)
	outcome := &Outcome{
		Change: change,
		Err:    err,
	}
	switch {
	case err == nil:
		outcome.Status = OutcomeApplied
	case errors.Is(err, ErrDuplicate):
		outcome.Status = OutcomeDuplicate
		outcome.Err = nil
	case errors.Is(err, ErrStale):
		outcome.Status = OutcomeStale
		outcome.Err = nil
	case (errors.Is(err, ErrParentNotFound) || errors.Is(err, ErrNotFound)) && !change.Kind.IsDelete():
		outcome.Status = self.buffer(change)
		outcome.Err = nil
	case errors.Is(err, ErrNotFound):
		// the delete is recorded as a tombstone
		outcome.Status = OutcomeApplied
		outcome.Err = nil
	default:
		glog.Infof("[r]drop %s = %s (%s)\n", change.Kind, change.Target(), err)
		outcome.Status = OutcomeDropped
	}

	if outcome.Status != OutcomeBuffered && outcome.Status != OutcomeDropped {
		self.markSeen(change)
	}
	if outcome.Status == OutcomeApplied && change.Kind.IsDelete() {
		self.coordinator.Drop(change.Target())
		self.dropBuffered(change.Target())
	}
	glog.V(2).Infof("[r]%s %s = %s\n", outcome.Status, change.Kind, change.Target())
	return outcome
}

// applies the canonical values of a change that confirmed `op`
// must be called with `stateLock`
func (self *Router) confirm(change *Change, op *PendingOperation) *Outcome {
	if op.Kind == OperationKindCreate {
		self.resolvedIds.Set(op.LocalId, change.Target(), ttlcache.DefaultTTL)
	}
	err := self.applyToStore(change, true)
	self.markSeen(change)
	if change.Kind.IsDelete() {
		self.coordinator.Drop(change.Target())
		self.dropBuffered(change.Target())
	}
	outcome := &Outcome{
		Status:    OutcomeConfirmed,
		Change:    change,
		Operation: op,
	}
	if err != nil && !errors.Is(err, ErrDuplicate) && !errors.Is(err, ErrStale) {
		outcome.Err = err
	}
	glog.V(2).Infof("[r]%s %s = %s\n", outcome.Status, change.Kind, change.Target())
	return outcome
}

// `confirmed` is set when the change answers a pending operation of the current user
// must be called with `stateLock`
func (self *Router) applyToStore(change *Change, confirmed bool) error {
	switch change.Kind {
	case ChangeCommentCreated, ChangeCommentUpdated:
		err := self.store.UpsertComment(change.Comment, change.ServerTime)
		return self.rebaseLikes(change, change.Comment.Id, err)
	case ChangeReplyCreated, ChangeReplyUpdated:
		err := self.store.UpsertReply(change.Reply, change.ServerTime)
		return self.rebaseLikes(change, change.Reply.Id, err)
	case ChangeCommentDeleted:
		return self.store.RemoveComment(change.TargetId, change.ServerTime)
	case ChangeReplyDeleted:
		return self.store.RemoveReply(change.TargetId, change.ServerTime)
	case ChangeLike:
		if change.Like.At.IsZero() {
			// a confirmed local record with no server time
			self.store.commitLocalLike(change.Like.TargetId)
			return nil
		}
		if change.Source == ChangeSourcePush && change.Like.UserId.IsEmpty() {
			// a broadcast without a user only carries totals
			if change.Like.Counts == nil {
				return ErrMissingCounts
			}
			return self.store.RebaseLikes(change.Like.TargetId, *change.Like.Counts, nil, change.Like.At)
		}
		if confirmed {
			return self.store.ConfirmLikeDelta(change.Like)
		}
		return self.store.ApplyLikeDelta(change.Like)
	default:
		return fmt.Errorf("Unknown change kind: %s", change.Kind)
	}
}

// Totals that arrive with an entity are applied even when the entity version is unchanged.
// must be called with `stateLock`
func (self *Router) rebaseLikes(change *Change, targetId Id, upsertErr error) error {
	if change.Likes == nil {
		return upsertErr
	}
	if upsertErr != nil && !errors.Is(upsertErr, ErrDuplicate) && !errors.Is(upsertErr, ErrStale) {
		return upsertErr
	}
	at := change.Likes.At
	if at.IsZero() {
		at = change.ServerTime
	}
	likesErr := self.store.RebaseLikes(targetId, change.Likes.Counts, change.Likes.Status, at)
	if likesErr == nil {
		return nil
	}
	return upsertErr
}

// Maps temporary ids to server ids for records the server has confirmed.
// The returned change is a copy when any id was replaced.
// must be called with `stateLock`
func (self *Router) resolveIds(change *Change) *Change {
	resolve := func(id Id) (Id, bool) {
		if !id.IsLocal() {
			return id, false
		}
		if item := self.resolvedIds.Get(id); item != nil {
			return item.Value(), true
		}
		return id, false
	}

	resolved := *change
	replaced := false
	if change.Comment != nil {
		if id, ok := resolve(change.Comment.Id); ok {
			resolved.Comment = change.Comment.Clone()
			resolved.Comment.Id = id
			replaced = true
		}
	}
	if change.Reply != nil {
		id, idOk := resolve(change.Reply.Id)
		parentId, parentOk := resolve(change.Reply.ParentId)
		if idOk || parentOk {
			resolved.Reply = change.Reply.Clone()
			if idOk {
				resolved.Reply.Id = id
			}
			if parentOk {
				resolved.Reply.ParentId = parentId
			}
			replaced = true
		}
	}
	if change.Like != nil {
		if id, ok := resolve(change.Like.TargetId); ok {
			like := *change.Like
			like.TargetId = id
			resolved.Like = &like
			replaced = true
		}
	}
	if id, ok := resolve(change.TargetId); ok {
		resolved.TargetId = id
		replaced = true
	}
	if id, ok := resolve(change.ParentId); ok {
		resolved.ParentId = id
		replaced = true
	}
	if !replaced {
		return change
	}
	return &resolved
}

// must be called with `stateLock`
func (self *Router) markSeen(change *Change) {
	if !change.ServerTime.IsZero() {
		self.seen.Set(change.DedupKey(), struct{}{}, ttlcache.DefaultTTL)
	}
}

// the id whose creation unblocks the change
func missingId(change *Change) Id {
	switch {
	case change.Reply != nil:
		return change.Reply.ParentId
	case change.Like != nil:
		return change.Like.TargetId
	default:
		return change.Target()
	}
}

// must be called with `stateLock`
func (self *Router) buffer(change *Change) OutcomeStatus {
	if self.settings.MaxBufferedChanges <= self.bufferedCount {
		glog.Infof("[r]buffer full, drop %s = %s\n", change.Kind, change.Target())
		return OutcomeDropped
	}
	id := missingId(change)
	self.buffered[id] = append(self.buffered[id], &bufferedChange{
		change:    change,
		missingId: id,
		expiry:    self.clock.Now().Add(self.settings.BufferTimeout),
	})
	self.bufferedCount += 1
	glog.V(2).Infof("[r]buffer %s = %s waiting for %s\n", change.Kind, change.Target(), id)
	return OutcomeBuffered
}

// applies changes that were waiting for `id`, and in turn the changes those unblock
// must be called with `stateLock`
func (self *Router) flush(id Id) []*Outcome {
	outcomes := []*Outcome{}
	ready := []Id{id}
	for 0 < len(ready) {
		next := ready[0]
		ready = ready[1:]

		waiting, ok := self.buffered[next]
		if !ok {
			continue
		}
		delete(self.buffered, next)
		self.bufferedCount -= len(waiting)

		for _, b := range waiting {
			outcome := self.apply(b.change)
			outcomes = append(outcomes, outcome)
			if outcome.Status.IsAccepted() && outcome.Change.Kind.IsCreate() {
				ready = append(ready, outcome.Change.Target())
			}
		}
	}
	return outcomes
}

// buffered changes for a deleted entity can never apply
// must be called with `stateLock`
func (self *Router) dropBuffered(id Id) {
	if waiting, ok := self.buffered[id]; ok {
		delete(self.buffered, id)
		self.bufferedCount -= len(waiting)
		glog.V(2).Infof("[r]drop %d buffered for deleted %s\n", len(waiting), id)
	}
}

// Drops buffered changes whose timeout passed. Returns an expired outcome for each.
func (self *Router) Sweep(now time.Time) []*Outcome {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	outcomes := []*Outcome{}
	ids := maps.Keys(self.buffered)
	slices.Sort(ids)
	for _, id := range ids {
		waiting := self.buffered[id]
		kept := []*bufferedChange{}
		for _, b := range waiting {
			if now.Before(b.expiry) {
				kept = append(kept, b)
				continue
			}
			glog.Infof("[r]expire %s = %s, %s never arrived\n", b.change.Kind, b.change.Target(), b.missingId)
			outcomes = append(outcomes, &Outcome{
				Status: OutcomeExpired,
				Change: b.change,
				Err:    fmt.Errorf("%w: %s", ErrNotFound, b.missingId),
			})
		}
		self.bufferedCount -= len(waiting) - len(kept)
		if 0 < len(kept) {
			self.buffered[id] = kept
		} else {
			delete(self.buffered, id)
		}
	}
	return outcomes
}

// number of changes waiting for a missing entity
func (self *Router) Buffered() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.bufferedCount
}

// the server id of a confirmed local record
func (self *Router) ResolveId(id Id) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if item := self.resolvedIds.Get(id); item != nil {
		return item.Value()
	}
	return id
}
