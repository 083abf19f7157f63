package live

import (
	"fmt"
	"time"
)

type ChangeSource string

const (
	ChangeSourceRest ChangeSource = "rest"
	ChangeSourcePush ChangeSource = "push"
)

type ChangeKind string

const (
	ChangeCommentCreated ChangeKind = ChangeKind(EventCommentCreated)
	ChangeCommentUpdated ChangeKind = ChangeKind(EventCommentUpdated)
	ChangeCommentDeleted ChangeKind = ChangeKind(EventCommentDeleted)
	ChangeReplyCreated   ChangeKind = ChangeKind(EventReplyCreated)
	ChangeReplyUpdated   ChangeKind = ChangeKind(EventReplyUpdated)
	ChangeReplyDeleted   ChangeKind = ChangeKind(EventReplyDeleted)
	ChangeLike           ChangeKind = "like"
)

func (self ChangeKind) IsComment() bool {
	switch self {
	case ChangeCommentCreated, ChangeCommentUpdated, ChangeCommentDeleted:
		return true
	default:
		return false
	}
}

func (self ChangeKind) IsDelete() bool {
	return self == ChangeCommentDeleted || self == ChangeReplyDeleted
}

func (self ChangeKind) IsUpdate() bool {
	return self == ChangeCommentUpdated || self == ChangeReplyUpdated
}

func (self ChangeKind) IsCreate() bool {
	return self == ChangeCommentCreated || self == ChangeReplyCreated
}

// server like totals that arrive with a comment or reply
type LikeSnapshot struct {
	Counts LikeCounts
	// nil when the sender does not know the current user's record
	Status *LikeStatus
	At     time.Time
}

// a normalized inbound change from a rest response or a push event
type Change struct {
	Source ChangeSource
	Kind   ChangeKind
	// server assigned time of the change. Never the client clock.
	ServerTime time.Time
	// the local operation a rest result answers
	LocalId Id

	Comment *Comment
	Reply   *Reply
	Like    *LikeDelta
	Likes   *LikeSnapshot

	// deletes
	TargetId Id
	ParentId Id
}

func (self *Change) Target() Id {
	switch {
	case self.Comment != nil:
		return self.Comment.Id
	case self.Reply != nil:
		return self.Reply.Id
	case self.Like != nil:
		return self.Like.TargetId
	default:
		return self.TargetId
	}
}

func (self *Change) Actor() Id {
	switch {
	case self.Comment != nil:
		return self.Comment.AuthorId
	case self.Reply != nil:
		return self.Reply.AuthorId
	case self.Like != nil:
		return self.Like.UserId
	default:
		return ""
	}
}

// Content derived key. A rest result and a push event for the same logical change have the same key.
// Like changes include the actor since many users change records on one target.
func (self *Change) DedupKey() string {
	kind := self.Kind
	switch kind {
	case ChangeCommentCreated, ChangeCommentUpdated:
		kind = "comment:upsert"
	case ChangeReplyCreated, ChangeReplyUpdated:
		kind = "reply:upsert"
	}
	var key string
	if self.Kind == ChangeLike {
		key = fmt.Sprintf("%s/%s/%s/%d", kind, self.Target(), self.Actor(), self.ServerTime.UnixNano())
	} else {
		key = fmt.Sprintf("%s/%s/%d", kind, self.Target(), self.ServerTime.UnixNano())
	}
	if self.Likes != nil {
		// totals change without a new entity version
		key = fmt.Sprintf("%s/likes/%d", key, self.Likes.At.UnixNano())
	}
	return key
}

// user visible changes are reported when they cannot be loaded
func (self *Change) IsUserVisible() bool {
	switch self.Kind {
	case ChangeCommentCreated, ChangeReplyCreated, ChangeCommentUpdated, ChangeReplyUpdated:
		return true
	default:
		return false
	}
}

type OutcomeStatus string

const (
	OutcomeApplied   OutcomeStatus = "applied"
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeStale     OutcomeStatus = "stale"
	OutcomeBuffered  OutcomeStatus = "buffered"
	OutcomeDropped   OutcomeStatus = "dropped"
	// a buffered change whose missing entity never arrived
	OutcomeExpired OutcomeStatus = "expired"
)

func (self OutcomeStatus) IsAccepted() bool {
	return self == OutcomeApplied || self == OutcomeConfirmed
}

type Outcome struct {
	Status OutcomeStatus
	Change *Change
	// set when the change resolved a local operation
	Operation *PendingOperation
	Err       error
}
