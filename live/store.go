package live

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type StoreSettings struct {
	// a server delete is remembered this long so that late updates do not bring the entity back
	TombstoneTimeout time.Duration
	MaxTombstones    uint64
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		TombstoneTimeout: 30 * time.Minute,
		MaxTombstones:    16 * 1024,
	}
}

type StoreChangeKind string

const (
	StoreChangeComment StoreChangeKind = "comment"
	StoreChangeReply   StoreChangeKind = "reply"
	StoreChangeLike    StoreChangeKind = "like"
)

type StoreChange struct {
	Kind    StoreChangeKind
	Id      Id
	Removed bool
}

type StoreChangeFunction func(change StoreChange)

// The canonical model of comments, replies and like counts.
// All other components reference entities by id and read copies.
// Every mutation is applied inside one write lock so readers never see a partial update,
// e.g. a count that changed without its status.
type EntityStore struct {
	stateLock sync.RWMutex

	selfId Id

	comments map[Id]*Comment
	replies  map[Id]*Reply
	ledgers  map[Id]*likeLedger
	// id -> number of unconfirmed local operations
	pending map[Id]int
	// id -> server time of the delete
	tombstones *ttlcache.Cache[Id, time.Time]
	// entities removed by a pending local delete
	hidden map[Id]*hiddenEntity

	changeCallbacks *CallbackList[StoreChangeFunction]
}

// An entity removed by a pending local delete.
// Server changes keep applying to it so that a rollback restores the newest server state.
type hiddenEntity struct {
	comment *Comment
	reply   *Reply
	ledger  *likeLedger
	// the local removal that hid the entity
	removedWith Id
}

func NewEntityStore(selfId Id) *EntityStore {
	return NewEntityStoreWithSettings(selfId, DefaultStoreSettings())
}

func NewEntityStoreWithSettings(selfId Id, settings *StoreSettings) *EntityStore {
	// expired tombstones are dropped on read and the capacity bounds the rest,
	// so the cache needs no cleanup loop
	tombstones := ttlcache.New[Id, time.Time](
		ttlcache.WithTTL[Id, time.Time](settings.TombstoneTimeout),
		ttlcache.WithCapacity[Id, time.Time](settings.MaxTombstones),
		ttlcache.WithDisableTouchOnHit[Id, time.Time](),
	)
	return &EntityStore{
		selfId:          selfId,
		comments:        map[Id]*Comment{},
		replies:         map[Id]*Reply{},
		ledgers:         map[Id]*likeLedger{},
		pending:         map[Id]int{},
		tombstones:      tombstones,
		hidden:          map[Id]*hiddenEntity{},
		changeCallbacks: NewCallbackList[StoreChangeFunction](),
	}
}

func (self *EntityStore) AddChangeCallback(changeCallback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *EntityStore) changed(changes ...StoreChange) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		for _, change := range changes {
			HandleError(func() {
				changeCallback(change)
			})
		}
	}
}

func (self *EntityStore) SelfId() Id {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.selfId
}

func (self *EntityStore) SetSelfId(selfId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.selfId = selfId
}

// reads

func (self *EntityStore) Comment(commentId Id) (*Comment, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	comment, ok := self.comments[commentId]
	if !ok {
		return nil, false
	}
	return self.viewComment(comment), true
}

func (self *EntityStore) Reply(replyId Id) (*Reply, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	reply, ok := self.replies[replyId]
	if !ok {
		return nil, false
	}
	return self.viewReply(reply), true
}

// ordered by create time
func (self *EntityStore) Comments() []*Comment {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	comments := make([]*Comment, 0, len(self.comments))
	for _, comment := range self.comments {
		comments = append(comments, self.viewComment(comment))
	}
	slices.SortFunc(comments, func(a *Comment, b *Comment) int {
		return compareChronological(a.CreatedAt, a.Id, b.CreatedAt, b.Id)
	})
	return comments
}

// ordered by create time
func (self *EntityStore) Replies(commentId Id) []*Reply {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	comment, ok := self.comments[commentId]
	if !ok {
		return []*Reply{}
	}
	replies := make([]*Reply, 0, len(comment.ReplyIds))
	for _, replyId := range comment.ReplyIds {
		if reply, ok := self.replies[replyId]; ok {
			replies = append(replies, self.viewReply(reply))
		}
	}
	return replies
}

func (self *EntityStore) Exists(id Id) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.exists(id)
}

// true for server deletes and pending local deletes
func (self *EntityStore) IsDeleted(id Id) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	if _, ok := self.hidden[id]; ok {
		return true
	}
	_, ok := self.tombstone(id)
	return ok
}

// the server version of a comment or reply
func (self *EntityStore) Version(id Id) (time.Time, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	if comment, ok := self.comments[id]; ok {
		return comment.UpdatedAt, true
	}
	if reply, ok := self.replies[id]; ok {
		return reply.UpdatedAt, true
	}
	return time.Time{}, false
}

func (self *EntityStore) LikeRecord(targetId Id) (LikeRecord, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	ledger, ok := self.ledgers[targetId]
	if !ok {
		return LikeRecord{}, false
	}
	return ledger.self, true
}

// server time of the current user's newest confirmed like record
func (self *EntityStore) confirmedLikeAt(targetId Id) (time.Time, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	ledger, ok := self.ledgers[targetId]
	if !ok {
		return time.Time{}, false
	}
	record, ok := ledger.lastConfirmed()
	return record.At, ok
}

// must be called with `stateLock`
func (self *EntityStore) tombstone(id Id) (time.Time, bool) {
	if item := self.tombstones.Get(id); item != nil {
		return item.Value(), true
	}
	return time.Time{}, false
}

// must be called with `stateLock`
func (self *EntityStore) setTombstone(id Id, version time.Time) {
	self.tombstones.Set(id, version, ttlcache.DefaultTTL)
}

// must be called with `stateLock`
func (self *EntityStore) exists(id Id) bool {
	if _, ok := self.comments[id]; ok {
		return true
	}
	_, ok := self.replies[id]
	return ok
}

// must be called with `stateLock`
func (self *EntityStore) viewComment(comment *Comment) *Comment {
	view := comment.Clone()
	ledger := self.ledger(comment.Id)
	view.LikeCounts = ledger.counts()
	view.LikeStatus = ledger.status()
	view.Pending = 0 < self.pending[comment.Id]
	return view
}

// must be called with `stateLock`
func (self *EntityStore) viewReply(reply *Reply) *Reply {
	view := reply.Clone()
	ledger := self.ledger(reply.Id)
	view.LikeCounts = ledger.counts()
	view.LikeStatus = ledger.status()
	view.Pending = 0 < self.pending[reply.Id]
	return view
}

// must be called with `stateLock`
func (self *EntityStore) ledger(id Id) *likeLedger {
	ledger, ok := self.ledgers[id]
	if !ok {
		return newLikeLedger()
	}
	return ledger
}

// writes

// `version` is the server update time of the comment.
// Like counts and status on `comment` are not read here, see `RebaseLikes`.
func (self *EntityStore) UpsertComment(comment *Comment, version time.Time) error {
	hidden := false
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if entity, ok := self.hidden[comment.Id]; ok {
			if entity.comment == nil {
				return ErrStale
			}
			hidden = true
			return updateComment(entity.comment, comment, version)
		}
		if _, ok := self.tombstone(comment.Id); ok {
			return ErrStale
		}
		if current, ok := self.comments[comment.Id]; ok {
			return updateComment(current, comment, version)
		}

		stored := comment.Clone()
		stored.UpdatedAt = version
		// replies are attached by `UpsertReply`
		stored.ReplyIds = []Id{}
		stored.LikeCounts = LikeCounts{}
		stored.LikeStatus = LikeStatus{}
		stored.Pending = false
		self.comments[stored.Id] = stored
		if _, ok := self.ledgers[stored.Id]; !ok {
			self.ledgers[stored.Id] = newLikeLedger()
		}
		return nil
	}()
	if err == nil && !hidden {
		self.changed(StoreChange{Kind: StoreChangeComment, Id: comment.Id})
	}
	return err
}

func updateComment(current *Comment, comment *Comment, version time.Time) error {
	if version.Before(current.UpdatedAt) {
		return ErrStale
	}
	if version.Equal(current.UpdatedAt) {
		return ErrDuplicate
	}
	current.AuthorId = comment.AuthorId
	current.Body = comment.Body
	if !comment.CreatedAt.IsZero() {
		current.CreatedAt = comment.CreatedAt
	}
	current.UpdatedAt = version
	return nil
}

func updateReply(current *Reply, reply *Reply, version time.Time) error {
	if version.Before(current.UpdatedAt) {
		return ErrStale
	}
	if version.Equal(current.UpdatedAt) {
		return ErrDuplicate
	}
	current.AuthorId = reply.AuthorId
	current.Body = reply.Body
	current.UpdatedAt = version
	return nil
}

// the parent comment must exist
func (self *EntityStore) UpsertReply(reply *Reply, version time.Time) error {
	hidden := false
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if entity, ok := self.hidden[reply.Id]; ok {
			if entity.reply == nil {
				return ErrStale
			}
			hidden = true
			return updateReply(entity.reply, reply, version)
		}
		if _, ok := self.tombstone(reply.Id); ok {
			return ErrStale
		}
		if current, ok := self.replies[reply.Id]; ok {
			return updateReply(current, reply, version)
		}

		stored := reply.Clone()
		stored.UpdatedAt = version
		stored.LikeCounts = LikeCounts{}
		stored.LikeStatus = LikeStatus{}
		stored.Pending = false

		parent, ok := self.comments[reply.ParentId]
		if !ok {
			if entity, ok := self.hidden[reply.ParentId]; ok && entity.comment != nil {
				// a new reply on a comment with a pending local removal
				self.hidden[stored.Id] = &hiddenEntity{
					reply:       stored,
					ledger:      newLikeLedger(),
					removedWith: reply.ParentId,
				}
				hidden = true
				return nil
			}
			if _, deleted := self.tombstone(reply.ParentId); deleted {
				return ErrStale
			}
			return fmt.Errorf("%w: %s", ErrParentNotFound, reply.ParentId)
		}

		self.replies[stored.Id] = stored
		if _, ok := self.ledgers[stored.Id]; !ok {
			self.ledgers[stored.Id] = newLikeLedger()
		}
		self.attachReply(parent, stored)
		return nil
	}()
	if err == nil && !hidden {
		self.changed(
			StoreChange{Kind: StoreChangeReply, Id: reply.Id},
			StoreChange{Kind: StoreChangeComment, Id: reply.ParentId},
		)
	}
	return err
}

// must be called with `stateLock`
func (self *EntityStore) attachReply(parent *Comment, reply *Reply) {
	if slices.Contains(parent.ReplyIds, reply.Id) {
		return
	}
	i, _ := slices.BinarySearchFunc(parent.ReplyIds, reply, func(replyId Id, target *Reply) int {
		other, ok := self.replies[replyId]
		if !ok {
			return -1
		}
		return compareChronological(other.CreatedAt, other.Id, target.CreatedAt, target.Id)
	})
	parent.ReplyIds = slices.Insert(parent.ReplyIds, i, reply.Id)
}

// Sets or clears a like record and recomputes counts and status together.
// Deltas without a server time are local optimistic changes for the current user.
// A server record for the current user does not replace a pending local record, see `ConfirmLikeDelta`.
func (self *EntityStore) ApplyLikeDelta(delta *LikeDelta) error {
	return self.applyLikeDelta(delta, false)
}

// applies the server record that answers the current user's pending local record
func (self *EntityStore) ConfirmLikeDelta(delta *LikeDelta) error {
	return self.applyLikeDelta(delta, true)
}

func (self *EntityStore) applyLikeDelta(delta *LikeDelta, commit bool) error {
	hidden := false
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ledger, ledgerHidden, err := self.ledgerFor(delta.TargetId)
		if err != nil {
			return err
		}
		hidden = ledgerHidden

		if delta.At.IsZero() {
			if hidden {
				return fmt.Errorf("%w: %s", ErrNotFound, delta.TargetId)
			}
			ledger.applyLocal(delta.ResultType())
			return nil
		}

		if delta.UserId.IsEmpty() || delta.UserId == self.selfId {
			selfErr := ledger.applySelf(delta.ResultType(), delta.At, commit)
			if delta.Counts == nil {
				return selfErr
			}
			totalErr := ledger.rebaseTotal(*delta.Counts, delta.At)
			return combineLedgerErrors(selfErr, totalErr)
		}

		if delta.Counts == nil {
			return ErrMissingCounts
		}
		return ledger.rebaseTotal(*delta.Counts, delta.At)
	}()
	if err == nil && !hidden {
		self.changed(StoreChange{Kind: StoreChangeLike, Id: delta.TargetId})
	}
	return err
}

// the like ledger of a visible or hidden entity
// must be called with `stateLock`
func (self *EntityStore) ledgerFor(id Id) (*likeLedger, bool, error) {
	if entity, ok := self.hidden[id]; ok {
		return entity.ledger, true, nil
	}
	if _, ok := self.tombstone(id); ok {
		return nil, false, ErrStale
	}
	if !self.exists(id) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return self.ledgers[id], false, nil
}

// Replaces counts and the current user's status from a server snapshot taken at `at`.
// A pending local record stays displayed until its operation resolves.
// A nil `status` means the snapshot does not know the current user's record (e.g. a broadcast).
func (self *EntityStore) RebaseLikes(targetId Id, counts LikeCounts, status *LikeStatus, at time.Time) error {
	hidden := false
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ledger, ledgerHidden, err := self.ledgerFor(targetId)
		if err != nil {
			return err
		}
		hidden = ledgerHidden
		if status == nil {
			return ledger.rebaseTotal(counts, at)
		}
		selfErr := ledger.applySelf(status.Type(), at, false)
		totalErr := ledger.rebaseTotal(counts, at)
		return combineLedgerErrors(selfErr, totalErr)
	}()
	if err == nil && !hidden {
		self.changed(StoreChange{Kind: StoreChangeLike, Id: targetId})
	}
	return err
}

func combineLedgerErrors(selfErr error, totalErr error) error {
	if selfErr == nil || totalErr == nil {
		return nil
	}
	return selfErr
}

func (self *EntityStore) RestoreLikeRecord(targetId Id, previous LikeRecord) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if ledger, ok := self.ledgers[targetId]; ok {
			ledger.restore(previous)
		}
	}()
	self.changed(StoreChange{Kind: StoreChangeLike, Id: targetId})
}

// keeps a local record as confirmed when the server result carried no server time
func (self *EntityStore) commitLocalLike(targetId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ledger, ok := self.ledgers[targetId]; ok {
		ledger.self.Pending = false
	}
}

// Removes the comment and its replies. A zero `version` is a local removal,
// which hides the entities until the server confirms or the removal is rolled back.
func (self *EntityStore) RemoveComment(commentId Id, version time.Time) error {
	removedIds := []Id{}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		comment, ok := self.comments[commentId]
		if !ok {
			return self.removeMissing(commentId, version)
		}
		if !version.IsZero() && version.Before(comment.UpdatedAt) {
			return ErrStale
		}

		for _, replyId := range comment.ReplyIds {
			self.unlink(replyId, version, commentId)
			removedIds = append(removedIds, replyId)
		}
		self.unlink(commentId, version, commentId)
		if !version.IsZero() {
			// replies hidden by their own pending removal
			self.purgeHidden(commentId, version)
		}
		return nil
	}()
	if err == nil {
		changes := []StoreChange{}
		for _, replyId := range removedIds {
			changes = append(changes, StoreChange{Kind: StoreChangeReply, Id: replyId, Removed: true})
		}
		changes = append(changes, StoreChange{Kind: StoreChangeComment, Id: commentId, Removed: true})
		self.changed(changes...)
	}
	return err
}

func (self *EntityStore) RemoveReply(replyId Id, version time.Time) error {
	var parentId Id
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		reply, ok := self.replies[replyId]
		if !ok {
			return self.removeMissing(replyId, version)
		}
		if !version.IsZero() && version.Before(reply.UpdatedAt) {
			return ErrStale
		}

		parentId = reply.ParentId
		if parent, ok := self.comments[parentId]; ok {
			if i := slices.Index(parent.ReplyIds, replyId); 0 <= i {
				parent.ReplyIds = slices.Delete(parent.ReplyIds, i, i+1)
			}
		}
		self.unlink(replyId, version, replyId)
		return nil
	}()
	if err == nil {
		self.changed(
			StoreChange{Kind: StoreChangeReply, Id: replyId, Removed: true},
			StoreChange{Kind: StoreChangeComment, Id: parentId},
		)
	}
	return err
}

// a remove for an entity that is not visible
// must be called with `stateLock`
func (self *EntityStore) removeMissing(id Id, version time.Time) error {
	if _, ok := self.hidden[id]; ok {
		if !version.IsZero() {
			// the server confirmed a local removal
			self.purgeHidden(id, version)
		}
		return ErrDuplicate
	}
	if _, deleted := self.tombstone(id); deleted {
		return ErrDuplicate
	}
	if !version.IsZero() {
		self.setTombstone(id, version)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Takes an entity out of the visible model. A server removal leaves a tombstone.
// A local removal keeps the entity hidden under `removedWith`.
// must be called with `stateLock`
func (self *EntityStore) unlink(id Id, version time.Time, removedWith Id) {
	if version.IsZero() {
		ledger, ok := self.ledgers[id]
		if !ok {
			ledger = newLikeLedger()
		}
		self.hidden[id] = &hiddenEntity{
			comment:     self.comments[id],
			reply:       self.replies[id],
			ledger:      ledger,
			removedWith: removedWith,
		}
	} else {
		self.setTombstone(id, version)
	}
	delete(self.comments, id)
	delete(self.replies, id)
	delete(self.ledgers, id)
}

// ends the hidden state of `id` and of hidden replies under it
// must be called with `stateLock`
func (self *EntityStore) purgeHidden(id Id, version time.Time) {
	for hiddenId, entity := range self.hidden {
		if hiddenId == id || (entity.reply != nil && entity.reply.ParentId == id) {
			delete(self.hidden, hiddenId)
			self.setTombstone(hiddenId, version)
		}
	}
}

// The server accepted a local removal without a delete time.
// The last known version stands in for the delete time.
func (self *EntityStore) confirmRemoved(id Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entity, ok := self.hidden[id]
	if !ok {
		return
	}
	var version time.Time
	if entity.comment != nil {
		version = entity.comment.UpdatedAt
	} else if entity.reply != nil {
		version = entity.reply.UpdatedAt
	}
	self.purgeHidden(id, version)
}

// local pending markers. The entity shows `Pending` while its count is positive.
func (self *EntityStore) MarkPending(id Id, delta int) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		count := self.pending[id] + delta
		if count <= 0 {
			delete(self.pending, id)
		} else {
			self.pending[id] = count
		}
	}()
	self.changed(StoreChange{Kind: self.kindOf(id), Id: id})
}

func (self *EntityStore) kindOf(id Id) StoreChangeKind {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	if _, ok := self.replies[id]; ok {
		return StoreChangeReply
	}
	return StoreChangeComment
}

// snapshots for rollback of local operations

type entitySnapshot struct {
	comment *Comment
	reply   *Reply
}

func (self *EntityStore) snapshot(id Id) (*entitySnapshot, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if comment, ok := self.comments[id]; ok {
		return &entitySnapshot{comment: comment.Clone()}, true
	}
	if reply, ok := self.replies[id]; ok {
		return &entitySnapshot{reply: reply.Clone()}, true
	}
	return nil, false
}

// Restores the body of an entity edited locally.
// A newer server version that arrived in the meantime is kept.
func (self *EntityStore) restoreFields(snapshot *entitySnapshot) {
	var change StoreChange
	restored := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if snapshot.comment != nil {
			current, ok := self.comments[snapshot.comment.Id]
			if !ok {
				if entity, hidden := self.hidden[snapshot.comment.Id]; hidden {
					current = entity.comment
				}
			}
			if current != nil && current.UpdatedAt.Equal(snapshot.comment.UpdatedAt) {
				current.Body = snapshot.comment.Body
				restored = ok
			}
			change = StoreChange{Kind: StoreChangeComment, Id: snapshot.comment.Id}
		} else if snapshot.reply != nil {
			current, ok := self.replies[snapshot.reply.Id]
			if !ok {
				if entity, hidden := self.hidden[snapshot.reply.Id]; hidden {
					current = entity.reply
				}
			}
			if current != nil && current.UpdatedAt.Equal(snapshot.reply.UpdatedAt) {
				current.Body = snapshot.reply.Body
				restored = ok
			}
			change = StoreChange{Kind: StoreChangeReply, Id: snapshot.reply.Id}
		}
	}()
	if restored {
		self.changed(change)
	}
}

// puts back an entity hidden by a local removal, with the server changes it received while hidden
func (self *EntityStore) restoreRemoved(id Id) {
	changes := []StoreChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entity, ok := self.hidden[id]
		if !ok {
			// removed by the server in the meantime
			return
		}
		if comment := entity.comment; comment != nil {
			delete(self.hidden, id)
			comment.ReplyIds = []Id{}
			self.comments[id] = comment
			self.ledgers[id] = entity.ledger

			hiddenIds := maps.Keys(self.hidden)
			slices.Sort(hiddenIds)
			for _, replyId := range hiddenIds {
				replyEntity := self.hidden[replyId]
				if replyEntity.reply == nil || replyEntity.removedWith != id {
					continue
				}
				delete(self.hidden, replyId)
				self.replies[replyId] = replyEntity.reply
				self.ledgers[replyId] = replyEntity.ledger
				self.attachReply(comment, replyEntity.reply)
				changes = append(changes, StoreChange{Kind: StoreChangeReply, Id: replyId})
			}
			changes = append(changes, StoreChange{Kind: StoreChangeComment, Id: id})
		} else if reply := entity.reply; reply != nil {
			parent, ok := self.comments[reply.ParentId]
			if !ok {
				if _, parentHidden := self.hidden[reply.ParentId]; parentHidden {
					// comes back with the parent
					entity.removedWith = reply.ParentId
				}
				return
			}
			delete(self.hidden, id)
			self.replies[id] = reply
			self.ledgers[id] = entity.ledger
			self.attachReply(parent, reply)
			changes = append(changes,
				StoreChange{Kind: StoreChangeReply, Id: id},
				StoreChange{Kind: StoreChangeComment, Id: reply.ParentId},
			)
		}
	}()
	self.changed(changes...)
}

// local records for optimistic creates

func (self *EntityStore) InsertLocalComment(comment *Comment) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		stored := comment.Clone()
		stored.ReplyIds = []Id{}
		self.comments[stored.Id] = stored
		self.ledgers[stored.Id] = newLikeLedger()
	}()
	self.changed(StoreChange{Kind: StoreChangeComment, Id: comment.Id})
}

func (self *EntityStore) InsertLocalReply(reply *Reply) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		parent, ok := self.comments[reply.ParentId]
		if !ok {
			return fmt.Errorf("%w: %s", ErrParentNotFound, reply.ParentId)
		}
		stored := reply.Clone()
		self.replies[stored.Id] = stored
		self.ledgers[stored.Id] = newLikeLedger()
		self.attachReply(parent, stored)
		return nil
	}()
	if err == nil {
		self.changed(StoreChange{Kind: StoreChangeReply, Id: reply.Id})
	}
	return err
}

// body edit of a local operation. The server version is kept.
func (self *EntityStore) SetLocalBody(id Id, body string) error {
	var change StoreChange
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if comment, ok := self.comments[id]; ok {
			comment.Body = body
			change = StoreChange{Kind: StoreChangeComment, Id: id}
			return nil
		}
		if reply, ok := self.replies[id]; ok {
			reply.Body = body
			change = StoreChange{Kind: StoreChangeReply, Id: id}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}()
	if err == nil {
		self.changed(change)
	}
	return err
}

// drops a local record without a tombstone, so the canonical record can be inserted
func (self *EntityStore) discardLocal(localId Id) {
	changes := []StoreChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.comments[localId]; ok {
			delete(self.comments, localId)
			delete(self.ledgers, localId)
			changes = append(changes, StoreChange{Kind: StoreChangeComment, Id: localId, Removed: true})
		} else if reply, ok := self.replies[localId]; ok {
			if parent, ok := self.comments[reply.ParentId]; ok {
				if i := slices.Index(parent.ReplyIds, localId); 0 <= i {
					parent.ReplyIds = slices.Delete(parent.ReplyIds, i, i+1)
				}
			}
			delete(self.replies, localId)
			delete(self.ledgers, localId)
			changes = append(changes, StoreChange{Kind: StoreChangeReply, Id: localId, Removed: true})
		}
		delete(self.pending, localId)
	}()
	self.changed(changes...)
}

// ids of every comment and reply in the store
func (self *EntityStore) Ids() []Id {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	ids := append(maps.Keys(self.comments), maps.Keys(self.replies)...)
	slices.Sort(ids)
	return ids
}

func compareChronological(aTime time.Time, aId Id, bTime time.Time, bId Id) int {
	if c := aTime.Compare(bTime); c != 0 {
		return c
	}
	return strings.Compare(string(aId), string(bId))
}
