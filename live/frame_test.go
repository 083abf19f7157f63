package live

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFrameComment(t *testing.T) {
	frame := []byte(`{
		"type": "comment:created",
		"timestamp": "2024-03-01T12:00:05Z",
		"data": {
			"_id": "c1",
			"authorId": "u2",
			"content": "hello",
			"createdAt": "2024-03-01T12:00:01Z",
			"updatedAt": "2024-03-01T12:00:02Z",
			"likeCounts": {"likes": 3, "dislikes": 1}
		}
	}`)
	event, err := DecodeTextFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Kind, EventCommentCreated)
	assert.Equal(t, event.Timestamp, at(5))
	assert.Equal(t, event.Comment.Id, Id("c1"))
	assert.Equal(t, event.Comment.Body, "hello")
	assert.Equal(t, event.Likes.Counts, LikeCounts{Likes: 3, Dislikes: 1})
	// a broadcast does not know the current user's record
	assert.Equal(t, event.Likes.Status == nil, true)
	assert.Equal(t, event.Likes.At, at(2))

	change, ok := event.Change()
	assert.Equal(t, ok, true)
	assert.Equal(t, change.Kind, ChangeCommentCreated)
	assert.Equal(t, change.ServerTime, at(2))
	assert.Equal(t, change.Source, ChangeSourcePush)
}

func TestFrameReplyAndDelete(t *testing.T) {
	event, err := DecodeTextFrame([]byte(`{
		"type": "reply:created",
		"data": {"id": "r1", "commentId": "c1", "authorId": "u2", "body": "hi", "updatedAt": "2024-03-01T12:00:03Z"}
	}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Reply.ParentId, Id("c1"))
	assert.Equal(t, event.Likes == nil, true)

	event, err = DecodeTextFrame([]byte(`{
		"type": "reply:deleted",
		"timestamp": "2024-03-01T12:00:04Z",
		"data": {"id": "r1", "commentId": "c1"}
	}`))
	assert.Equal(t, err, nil)
	change, ok := event.Change()
	assert.Equal(t, ok, true)
	assert.Equal(t, change.Kind, ChangeReplyDeleted)
	assert.Equal(t, change.TargetId, Id("r1"))
	assert.Equal(t, change.ParentId, Id("c1"))
	assert.Equal(t, change.ServerTime, at(4))
}

func TestFrameLike(t *testing.T) {
	event, err := DecodeTextFrame([]byte(`{
		"type": "reply:like_removed",
		"timestamp": "2024-03-01T12:00:06Z",
		"data": {"targetId": "r1", "userId": "u2", "counts": {"likes": 0, "dislikes": 2}}
	}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Like.TargetKind, TargetKindReply)
	assert.Equal(t, event.Like.Op, LikeOpClear)
	assert.Equal(t, event.Like.ResultType(), LikeTypeNone)
	assert.Equal(t, *event.Like.Counts, LikeCounts{Dislikes: 2})
	assert.Equal(t, event.Like.At, at(6))
	assert.Equal(t, event.Key(), "reply:like_removed/r1/u2")

	change, _ := event.Change()
	assert.Equal(t, change.Kind, ChangeLike)
	assert.Equal(t, change.Actor(), Id("u2"))
}

func TestFrameErrors(t *testing.T) {
	_, err := DecodeTextFrame([]byte(`{"type": "comment:exploded", "data": {}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeTextFrame([]byte(`{"type": "comment:created"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeTextFrame([]byte(`not json`))
	assert.NotEqual(t, err, nil)

	event, err := DecodeTextFrame([]byte(`{"type": "error", "data": "server restarting"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Err.Error(), "server restarting")
	_, ok := event.Change()
	assert.Equal(t, ok, false)
}

func TestFrameBinary(t *testing.T) {
	data := map[string]any{
		"targetId": "c1",
		"userId":   "u3",
		"counts":   map[string]any{"likes": 4, "dislikes": 0},
	}
	frame, err := EncodeBinaryFrame(EventCommentDisliked, data, at(7))
	assert.Equal(t, err, nil)

	event, err := DecodeBinaryFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Kind, EventCommentDisliked)
	assert.Equal(t, event.Like.Type, LikeTypeDislike)
	assert.Equal(t, *event.Like.Counts, LikeCounts{Likes: 4})
	assert.Equal(t, event.Like.At, at(7))

	_, err = DecodeBinaryFrame([]byte{0xff, 0xff, 0xff})
	assert.NotEqual(t, err, nil)
}

func TestFrameTypingAndNotice(t *testing.T) {
	frame, err := EncodeTextFrame(EventTyping, &TypingIndicator{CommentId: "c1", UserId: "u2", IsTyping: true}, time.Time{})
	assert.Equal(t, err, nil)
	event, err := DecodeTextFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, *event.Typing, TypingIndicator{CommentId: "c1", UserId: "u2", IsTyping: true})
	assert.Equal(t, event.Key(), "typing/c1/u2")

	frame, _ = EncodeTextFrame(EventNotification, &ServerNotice{Title: "Maintenance", Level: "info"}, time.Time{})
	event, err = DecodeTextFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Notice.Title, "Maintenance")
	assert.Equal(t, event.Key(), "")
}
