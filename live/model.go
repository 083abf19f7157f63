package live

import (
	"time"

	"golang.org/x/exp/slices"
)

type LikeType string

const (
	LikeTypeNone    LikeType = ""
	LikeTypeLike    LikeType = "like"
	LikeTypeDislike LikeType = "dislike"
)

type LikeOp string

const (
	LikeOpSet   LikeOp = "set"
	LikeOpClear LikeOp = "clear"
)

type TargetKind string

const (
	TargetKindComment TargetKind = "comment"
	TargetKindReply   TargetKind = "reply"
)

type LikeCounts struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
}

func (self LikeCounts) Add(likeType LikeType) LikeCounts {
	switch likeType {
	case LikeTypeLike:
		self.Likes += 1
	case LikeTypeDislike:
		self.Dislikes += 1
	}
	return self
}

// never negative
func (self LikeCounts) Sub(likeType LikeType) LikeCounts {
	switch likeType {
	case LikeTypeLike:
		self.Likes = max(0, self.Likes-1)
	case LikeTypeDislike:
		self.Dislikes = max(0, self.Dislikes-1)
	}
	return self
}

// at most one of `HasLiked`, `HasDisliked` is true
type LikeStatus struct {
	HasLiked    bool `json:"hasLiked"`
	HasDisliked bool `json:"hasDisliked"`
}

func LikeStatusOf(likeType LikeType) LikeStatus {
	return LikeStatus{
		HasLiked:    likeType == LikeTypeLike,
		HasDisliked: likeType == LikeTypeDislike,
	}
}

func (self LikeStatus) Type() LikeType {
	switch {
	case self.HasLiked:
		return LikeTypeLike
	case self.HasDisliked:
		return LikeTypeDislike
	default:
		return LikeTypeNone
	}
}

type Comment struct {
	Id         Id         `json:"id"`
	AuthorId   Id         `json:"authorId"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LikeCounts LikeCounts `json:"likeCounts"`
	LikeStatus LikeStatus `json:"currentUserLikeStatus"`
	// chronological
	ReplyIds []Id `json:"replyIds"`
	Pending  bool `json:"pending"`
}

func (self *Comment) Clone() *Comment {
	comment := *self
	comment.ReplyIds = slices.Clone(self.ReplyIds)
	return &comment
}

type Reply struct {
	Id         Id         `json:"id"`
	ParentId   Id         `json:"parentId"`
	AuthorId   Id         `json:"authorId"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LikeCounts LikeCounts `json:"likeCounts"`
	LikeStatus LikeStatus `json:"currentUserLikeStatus"`
	Pending    bool       `json:"pending"`
}

func (self *Reply) Clone() *Reply {
	reply := *self
	return &reply
}

// a comment with its replies as delivered by a thread fetch
type CommentThread struct {
	Comment *Comment
	Replies []*Reply
}

// state machine:
// disconnected -> connecting -> connected
//   connected -> reconnecting -> connecting
//   connecting -> error -> reconnecting (while retries remain)
//   any -> disconnected (on close)
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateError        ConnectionState = "error"
)

type OperationKind string

const (
	OperationKindCreate OperationKind = "create"
	OperationKindUpdate OperationKind = "update"
	OperationKindLike   OperationKind = "like"
	OperationKindDelete OperationKind = "delete"
)
