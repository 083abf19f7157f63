package live

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type CoordinatorSettings struct {
	// an operation without confirmation after this is rolled back
	OperationTimeout time.Duration
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		OperationTimeout: 15 * time.Second,
	}
}

// a local mutation that is shown before the server confirms it
type PendingOperation struct {
	// for creates this is also the temporary id of the local record
	LocalId    Id
	Kind       OperationKind
	TargetId   Id
	TargetKind TargetKind
	// replies
	ParentId Id

	Body     string
	LikeType LikeType
	LikeOp   LikeOp

	SubmittedAt time.Time
	Expiry      time.Time

	// state before the operation was applied
	snapshot     *entitySnapshot
	previousLike LikeRecord
}

// the like type the target shows once the operation is applied
func (self *PendingOperation) resultLikeType() LikeType {
	if self.LikeOp == LikeOpSet {
		return self.LikeType
	}
	return LikeTypeNone
}

func (self *PendingOperation) String() string {
	return fmt.Sprintf("%s %s %s (%s)", self.Kind, self.TargetKind, self.TargetId, self.LocalId)
}

type operationKey struct {
	targetId Id
	kind     OperationKind
}

// Applies user actions to the store immediately and tracks them until the server
// confirms or rejects them. At most one operation is outstanding per (target, kind).
type Coordinator struct {
	clock    Clock
	store    *EntityStore
	settings *CoordinatorSettings

	stateLock sync.Mutex
	// local id -> operation
	operations       map[Id]*PendingOperation
	targetOperations map[operationKey]*PendingOperation
}

func NewCoordinatorWithDefaults(clock Clock, store *EntityStore) *Coordinator {
	return NewCoordinator(clock, store, DefaultCoordinatorSettings())
}

func NewCoordinator(clock Clock, store *EntityStore, settings *CoordinatorSettings) *Coordinator {
	return &Coordinator{
		clock:            clock,
		store:            store,
		settings:         settings,
		operations:       map[Id]*PendingOperation{},
		targetOperations: map[operationKey]*PendingOperation{},
	}
}

func (self *Coordinator) newOperation(localId Id, kind OperationKind, targetId Id, targetKind TargetKind) *PendingOperation {
	now := self.clock.Now()
	return &PendingOperation{
		LocalId:     localId,
		Kind:        kind,
		TargetId:    targetId,
		TargetKind:  targetKind,
		SubmittedAt: now,
		Expiry:      now.Add(self.settings.OperationTimeout),
	}
}

// reserves the (target, kind) slot for `op`
func (self *Coordinator) add(op *PendingOperation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := operationKey{op.TargetId, op.Kind}
	if current, ok := self.targetOperations[key]; ok {
		return fmt.Errorf("%w: %s", ErrOperationPending, current)
	}
	self.operations[op.LocalId] = op
	self.targetOperations[key] = op
	return nil
}

// returns false if the operation was already resolved
func (self *Coordinator) remove(op *PendingOperation) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if current, ok := self.operations[op.LocalId]; !ok || current != op {
		return false
	}
	delete(self.operations, op.LocalId)
	delete(self.targetOperations, operationKey{op.TargetId, op.Kind})
	return true
}

func (self *Coordinator) CreateComment(body string) (*PendingOperation, error) {
	localId := NewLocalId()
	op := self.newOperation(localId, OperationKindCreate, localId, TargetKindComment)
	op.Body = body
	if err := self.add(op); err != nil {
		return nil, err
	}

	self.store.InsertLocalComment(&Comment{
		Id:       localId,
		AuthorId: self.store.SelfId(),
		Body:     body,
		// display order only. Replaced by the server time on confirm.
		CreatedAt: op.SubmittedAt,
	})
	self.store.MarkPending(localId, 1)
	glog.V(1).Infof("[o]apply %s\n", op)
	return op, nil
}

func (self *Coordinator) CreateReply(parentId Id, body string) (*PendingOperation, error) {
	if parentId.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, parentId)
	}
	localId := NewLocalId()
	op := self.newOperation(localId, OperationKindCreate, localId, TargetKindReply)
	op.ParentId = parentId
	op.Body = body
	if err := self.add(op); err != nil {
		return nil, err
	}

	err := self.store.InsertLocalReply(&Reply{
		Id:        localId,
		ParentId:  parentId,
		AuthorId:  self.store.SelfId(),
		Body:      body,
		CreatedAt: op.SubmittedAt,
	})
	if err != nil {
		self.remove(op)
		return nil, err
	}
	self.store.MarkPending(localId, 1)
	glog.V(1).Infof("[o]apply %s\n", op)
	return op, nil
}

func (self *Coordinator) UpdateComment(commentId Id, body string) (*PendingOperation, error) {
	if _, ok := self.store.Comment(commentId); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, commentId)
	}
	return self.update(commentId, TargetKindComment, body)
}

func (self *Coordinator) UpdateReply(replyId Id, body string) (*PendingOperation, error) {
	reply, ok := self.store.Reply(replyId)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, replyId)
	}
	op, err := self.update(replyId, TargetKindReply, body)
	if op != nil {
		op.ParentId = reply.ParentId
	}
	return op, err
}

func (self *Coordinator) update(targetId Id, targetKind TargetKind, body string) (*PendingOperation, error) {
	if targetId.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, targetId)
	}
	snapshot, ok := self.store.snapshot(targetId)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, targetId)
	}
	op := self.newOperation(NewLocalId(), OperationKindUpdate, targetId, targetKind)
	op.Body = body
	op.snapshot = snapshot
	if err := self.add(op); err != nil {
		return nil, err
	}

	if err := self.store.SetLocalBody(targetId, body); err != nil {
		self.remove(op)
		return nil, err
	}
	self.store.MarkPending(targetId, 1)
	glog.V(1).Infof("[o]apply %s\n", op)
	return op, nil
}

// sets or clears the current user's like record on a comment or reply.
// The toggle like -> dislike is one operation.
func (self *Coordinator) Like(targetId Id, likeType LikeType, likeOp LikeOp) (*PendingOperation, error) {
	if targetId.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, targetId)
	}
	var targetKind TargetKind
	var parentId Id
	if _, ok := self.store.Comment(targetId); ok {
		targetKind = TargetKindComment
	} else if reply, ok := self.store.Reply(targetId); ok {
		targetKind = TargetKindReply
		parentId = reply.ParentId
	} else {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, targetId)
	}
	previous, _ := self.store.LikeRecord(targetId)

	op := self.newOperation(NewLocalId(), OperationKindLike, targetId, targetKind)
	op.ParentId = parentId
	op.LikeType = likeType
	op.LikeOp = likeOp
	op.previousLike = previous
	if err := self.add(op); err != nil {
		return nil, err
	}

	err := self.store.ApplyLikeDelta(&LikeDelta{
		TargetId:   targetId,
		TargetKind: targetKind,
		Type:       likeType,
		Op:         likeOp,
	})
	if err != nil {
		self.remove(op)
		return nil, err
	}
	self.store.MarkPending(targetId, 1)
	glog.V(1).Infof("[o]apply %s %s %s\n", op, likeOp, likeType)
	return op, nil
}

func (self *Coordinator) DeleteComment(commentId Id) (*PendingOperation, error) {
	return self.delete(commentId, TargetKindComment)
}

func (self *Coordinator) DeleteReply(replyId Id) (*PendingOperation, error) {
	return self.delete(replyId, TargetKindReply)
}

func (self *Coordinator) delete(targetId Id, targetKind TargetKind) (*PendingOperation, error) {
	if targetId.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrUnconfirmed, targetId)
	}
	snapshot, ok := self.store.snapshot(targetId)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, targetId)
	}
	if (targetKind == TargetKindComment) != (snapshot.comment != nil) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, targetKind, targetId)
	}
	op := self.newOperation(NewLocalId(), OperationKindDelete, targetId, targetKind)
	if snapshot.reply != nil {
		op.ParentId = snapshot.reply.ParentId
	}
	if err := self.add(op); err != nil {
		return nil, err
	}

	var err error
	switch targetKind {
	case TargetKindComment:
		err = self.store.RemoveComment(targetId, time.Time{})
	default:
		err = self.store.RemoveReply(targetId, time.Time{})
	}
	if err != nil {
		self.remove(op)
		return nil, err
	}
	glog.V(1).Infof("[o]apply %s\n", op)
	return op, nil
}

// the pending operation that an inbound change answers, if any.
// The operation stays pending until `Confirm`.
func (self *Coordinator) Match(change *Change) *PendingOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !change.LocalId.IsEmpty() {
		return self.operations[change.LocalId]
	}

	selfId := self.store.SelfId()
	fromSelf := func() bool {
		actor := change.Actor()
		if actor.IsEmpty() {
			// push broadcasts without an actor can be anyone's
			return change.Source == ChangeSourceRest
		}
		return actor == selfId
	}
	// a change at or before the current server version is a replay
	newer := func(version time.Time, ok bool, at time.Time) bool {
		return ok && version.Before(at)
	}

	switch {
	case change.Kind.IsCreate():
		// rest results carry their local id. Content matching is for push echoes.
		if change.Source != ChangeSourcePush || !fromSelf() {
			return nil
		}
		// the oldest create with the same content
		var match *PendingOperation
		for _, op := range self.operations {
			if op.Kind != OperationKindCreate {
				continue
			}
			switch {
			case change.Comment != nil:
				if op.TargetKind != TargetKindComment || op.Body != change.Comment.Body {
					continue
				}
			case change.Reply != nil:
				if op.TargetKind != TargetKindReply || op.Body != change.Reply.Body || op.ParentId != change.Reply.ParentId {
					continue
				}
			default:
				continue
			}
			if match == nil || compareOperations(op, match) < 0 {
				match = op
			}
		}
		return match
	case change.Kind.IsUpdate():
		if !fromSelf() {
			return nil
		}
		op, ok := self.targetOperations[operationKey{change.Target(), OperationKindUpdate}]
		if !ok {
			return nil
		}
		var body string
		switch {
		case change.Comment != nil:
			body = change.Comment.Body
		case change.Reply != nil:
			body = change.Reply.Body
		}
		if body != op.Body {
			return nil
		}
		version, versionOk := self.store.Version(op.TargetId)
		if !newer(version, versionOk, change.ServerTime) {
			return nil
		}
		return op
	case change.Kind.IsDelete():
		return self.targetOperations[operationKey{change.Target(), OperationKindDelete}]
	case change.Kind == ChangeLike:
		if change.Like == nil || !fromSelf() {
			return nil
		}
		op, ok := self.targetOperations[operationKey{change.Target(), OperationKindLike}]
		if !ok {
			return nil
		}
		if change.Like.ResultType() != op.resultLikeType() {
			return nil
		}
		confirmedAt, confirmedOk := self.store.confirmedLikeAt(op.TargetId)
		if confirmedOk && !confirmedAt.Before(change.Like.At) {
			return nil
		}
		return op
	default:
		return nil
	}
}

// Ends a pending operation as accepted by the server. The caller applies the canonical values.
// Returns false if the operation was already resolved.
func (self *Coordinator) Confirm(op *PendingOperation) bool {
	if !self.remove(op) {
		return false
	}
	switch op.Kind {
	case OperationKindCreate:
		// the canonical record replaces the local record
		self.store.discardLocal(op.TargetId)
	case OperationKindUpdate, OperationKindLike:
		self.store.MarkPending(op.TargetId, -1)
	case OperationKindDelete:
		// the router applies the server removal. This covers results without a delete time.
		self.store.confirmRemoved(op.TargetId)
	}
	glog.V(1).Infof("[o]confirm %s\n", op)
	return true
}

// rolls back an operation that the server rejected
func (self *Coordinator) Reject(localId Id) (*PendingOperation, bool) {
	self.stateLock.Lock()
	op, ok := self.operations[localId]
	self.stateLock.Unlock()
	if !ok {
		return nil, false
	}
	if !self.remove(op) {
		return nil, false
	}
	glog.V(1).Infof("[o]reject %s\n", op)
	self.rollback(op)
	return op, true
}

// rolls back every operation whose expiry is at or before `now`
func (self *Coordinator) Expire(now time.Time) []*PendingOperation {
	expired := func() []*PendingOperation {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		expired := []*PendingOperation{}
		for _, op := range self.operations {
			if !now.Before(op.Expiry) {
				expired = append(expired, op)
			}
		}
		return expired
	}()
	slices.SortFunc(expired, compareOperations)

	rolledBack := []*PendingOperation{}
	for _, op := range expired {
		if self.remove(op) {
			glog.Infof("[o]expire %s\n", op)
			self.rollback(op)
			rolledBack = append(rolledBack, op)
		}
	}
	return rolledBack
}

// Ends the operations on a target that the server removed. There is nothing to roll back to.
func (self *Coordinator) Drop(targetId Id) []*PendingOperation {
	dropped := func() []*PendingOperation {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		dropped := []*PendingOperation{}
		for _, op := range self.operations {
			if op.TargetId == targetId || op.ParentId == targetId {
				dropped = append(dropped, op)
			}
		}
		return dropped
	}()
	slices.SortFunc(dropped, compareOperations)

	removed := []*PendingOperation{}
	for _, op := range dropped {
		if self.remove(op) {
			switch op.Kind {
			case OperationKindCreate:
				self.store.discardLocal(op.TargetId)
			case OperationKindUpdate, OperationKindLike:
				self.store.MarkPending(op.TargetId, -1)
			case OperationKindDelete:
				self.store.confirmRemoved(op.TargetId)
			}
			glog.V(1).Infof("[o]drop %s\n", op)
			removed = append(removed, op)
		}
	}
	return removed
}

// must be called after the operation was removed
func (self *Coordinator) rollback(op *PendingOperation) {
	switch op.Kind {
	case OperationKindCreate:
		self.store.discardLocal(op.TargetId)
	case OperationKindUpdate:
		self.store.restoreFields(op.snapshot)
		self.store.MarkPending(op.TargetId, -1)
	case OperationKindLike:
		self.store.RestoreLikeRecord(op.TargetId, op.previousLike)
		self.store.MarkPending(op.TargetId, -1)
	case OperationKindDelete:
		self.store.restoreRemoved(op.TargetId)
	}
}

// ordered by submit time
func (self *Coordinator) Pending() []*PendingOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := maps.Values(self.operations)
	slices.SortFunc(ops, compareOperations)
	return ops
}

func (self *Coordinator) PendingFor(targetId Id, kind OperationKind) (*PendingOperation, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	op, ok := self.targetOperations[operationKey{targetId, kind}]
	return op, ok
}

func compareOperations(a *PendingOperation, b *PendingOperation) int {
	return compareChronological(a.SubmittedAt, a.LocalId, b.SubmittedAt, b.LocalId)
}
