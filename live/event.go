package live

import (
	"fmt"
	"time"
)

// push channel vocabulary
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventReconnect  EventKind = "reconnect"
	EventError      EventKind = "error"

	EventCommentCreated EventKind = "comment:created"
	EventCommentUpdated EventKind = "comment:updated"
	EventCommentDeleted EventKind = "comment:deleted"
	EventReplyCreated   EventKind = "reply:created"
	EventReplyUpdated   EventKind = "reply:updated"
	EventReplyDeleted   EventKind = "reply:deleted"

	EventCommentLiked       EventKind = "comment:liked"
	EventCommentDisliked    EventKind = "comment:disliked"
	EventCommentLikeRemoved EventKind = "comment:like_removed"
	EventReplyLiked         EventKind = "reply:liked"
	EventReplyDisliked      EventKind = "reply:disliked"
	EventReplyLikeRemoved   EventKind = "reply:like_removed"

	EventTyping       EventKind = "typing"
	EventNotification EventKind = "notification"
)

func (self EventKind) IsLifecycle() bool {
	switch self {
	case EventConnect, EventDisconnect, EventReconnect, EventError:
		return true
	default:
		return false
	}
}

func (self EventKind) IsLike() bool {
	switch self {
	case EventCommentLiked, EventCommentDisliked, EventCommentLikeRemoved,
		EventReplyLiked, EventReplyDisliked, EventReplyLikeRemoved:
		return true
	default:
		return false
	}
}

// target kind, like type and op of a like event
func (self EventKind) likeParts() (TargetKind, LikeType, LikeOp) {
	switch self {
	case EventCommentLiked:
		return TargetKindComment, LikeTypeLike, LikeOpSet
	case EventCommentDisliked:
		return TargetKindComment, LikeTypeDislike, LikeOpSet
	case EventCommentLikeRemoved:
		return TargetKindComment, LikeTypeNone, LikeOpClear
	case EventReplyLiked:
		return TargetKindReply, LikeTypeLike, LikeOpSet
	case EventReplyDisliked:
		return TargetKindReply, LikeTypeDislike, LikeOpSet
	default:
		return TargetKindReply, LikeTypeNone, LikeOpClear
	}
}

type TypingIndicator struct {
	CommentId Id   `json:"commentId"`
	UserId    Id   `json:"userId"`
	IsTyping  bool `json:"isTyping"`
}

// generic notification pushed by the server
type ServerNotice struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// a typed push message. Exactly one payload field is set for domain events.
type PushEvent struct {
	Kind      EventKind
	Timestamp time.Time

	Comment *Comment
	Reply   *Reply
	Like    *LikeDelta
	// for comment and reply payloads that carry totals
	Likes *LikeSnapshot
	// deletes
	TargetId Id
	ParentId Id

	Typing *TypingIndicator
	Notice *ServerNotice

	// lifecycle
	State ConnectionState
	Err   error
}

func NewLifecycleEvent(kind EventKind, state ConnectionState, err error) *PushEvent {
	return &PushEvent{
		Kind:  kind,
		State: state,
		Err:   err,
	}
}

// the entity the event is about
func (self *PushEvent) Target() Id {
	switch {
	case self.Comment != nil:
		return self.Comment.Id
	case self.Reply != nil:
		return self.Reply.Id
	case self.Like != nil:
		return self.Like.TargetId
	case self.Typing != nil:
		return self.Typing.CommentId
	default:
		return self.TargetId
	}
}

// Events with the same key supersede each other when a subscriber falls behind.
// Lifecycle events and notices have no key and are never superseded.
func (self *PushEvent) Key() string {
	if self.Kind.IsLifecycle() || self.Kind == EventNotification {
		return ""
	}
	if self.Like != nil {
		return fmt.Sprintf("%s/%s/%s", self.Kind, self.Like.TargetId, self.Like.UserId)
	}
	if self.Typing != nil {
		return fmt.Sprintf("%s/%s/%s", self.Kind, self.Typing.CommentId, self.Typing.UserId)
	}
	return fmt.Sprintf("%s/%s", self.Kind, self.Target())
}

// the reconciliation change for a domain event
func (self *PushEvent) Change() (*Change, bool) {
	change := &Change{
		Source:     ChangeSourcePush,
		ServerTime: self.Timestamp,
		Likes:      self.Likes,
	}
	switch self.Kind {
	case EventCommentCreated, EventCommentUpdated:
		if self.Comment == nil {
			return nil, false
		}
		change.Kind = ChangeKind(self.Kind)
		change.Comment = self.Comment
		if !self.Comment.UpdatedAt.IsZero() {
			change.ServerTime = self.Comment.UpdatedAt
		}
	case EventReplyCreated, EventReplyUpdated:
		if self.Reply == nil {
			return nil, false
		}
		change.Kind = ChangeKind(self.Kind)
		change.Reply = self.Reply
		if !self.Reply.UpdatedAt.IsZero() {
			change.ServerTime = self.Reply.UpdatedAt
		}
	case EventCommentDeleted, EventReplyDeleted:
		change.Kind = ChangeKind(self.Kind)
		change.TargetId = self.TargetId
		change.ParentId = self.ParentId
	default:
		if !self.Kind.IsLike() || self.Like == nil {
			return nil, false
		}
		change.Kind = ChangeLike
		change.Like = self.Like
		if !self.Like.At.IsZero() {
			change.ServerTime = self.Like.At
		}
	}
	return change, true
}
