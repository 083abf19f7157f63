package live

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Push frames are an envelope `{"type", "data", "timestamp"}`.
// Text frames carry the envelope as json.
// Binary frames carry the same envelope as a protobuf `google.protobuf.Struct`.
// A zero length binary frame is a ping.

type frameEnvelope struct {
	Type      EventKind       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// wire shapes shared by push payloads and rest data

type commentPayload struct {
	Id        Id          `json:"id,omitempty"`
	MongoId   Id          `json:"_id,omitempty"`
	AuthorId  Id          `json:"authorId"`
	Body      string      `json:"body,omitempty"`
	Content   string      `json:"content,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Counts    *LikeCounts `json:"likeCounts,omitempty"`
	Status    *LikeStatus `json:"currentUserLikeStatus,omitempty"`

	Replies []*replyPayload `json:"replies,omitempty"`
}

func (self *commentPayload) id() Id {
	if self.Id != "" {
		return self.Id
	}
	return self.MongoId
}

func (self *commentPayload) comment() *Comment {
	body := self.Body
	if body == "" {
		body = self.Content
	}
	return &Comment{
		Id:        self.id(),
		AuthorId:  self.AuthorId,
		Body:      body,
		CreatedAt: self.CreatedAt,
		UpdatedAt: self.UpdatedAt,
		ReplyIds:  []Id{},
	}
}

func (self *commentPayload) likes(at time.Time) *LikeSnapshot {
	if self.Counts == nil {
		return nil
	}
	return &LikeSnapshot{
		Counts: *self.Counts,
		Status: self.Status,
		At:     at,
	}
}

type replyPayload struct {
	Id        Id          `json:"id,omitempty"`
	MongoId   Id          `json:"_id,omitempty"`
	ParentId  Id          `json:"parentId,omitempty"`
	CommentId Id          `json:"commentId,omitempty"`
	AuthorId  Id          `json:"authorId"`
	Body      string      `json:"body,omitempty"`
	Content   string      `json:"content,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Counts    *LikeCounts `json:"likeCounts,omitempty"`
	Status    *LikeStatus `json:"currentUserLikeStatus,omitempty"`
}

func (self *replyPayload) reply() *Reply {
	id := self.Id
	if id == "" {
		id = self.MongoId
	}
	parentId := self.ParentId
	if parentId == "" {
		parentId = self.CommentId
	}
	body := self.Body
	if body == "" {
		body = self.Content
	}
	return &Reply{
		Id:        id,
		ParentId:  parentId,
		AuthorId:  self.AuthorId,
		Body:      body,
		CreatedAt: self.CreatedAt,
		UpdatedAt: self.UpdatedAt,
	}
}

func (self *replyPayload) likes(at time.Time) *LikeSnapshot {
	if self.Counts == nil {
		return nil
	}
	return &LikeSnapshot{
		Counts: *self.Counts,
		Status: self.Status,
		At:     at,
	}
}

type deletePayload struct {
	Id        Id         `json:"id,omitempty"`
	MongoId   Id         `json:"_id,omitempty"`
	ParentId  Id         `json:"parentId,omitempty"`
	CommentId Id         `json:"commentId,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type likePayload struct {
	TargetId  Id          `json:"targetId"`
	UserId    Id          `json:"userId"`
	Counts    *LikeCounts `json:"counts,omitempty"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

func DecodeTextFrame(b []byte) (*PushEvent, error) {
	envelope := &frameEnvelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	return decodeEnvelope(envelope)
}

func DecodeBinaryFrame(b []byte) (*PushEvent, error) {
	frame := &structpb.Struct{}
	if err := proto.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	textBytes, err := protojson.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return DecodeTextFrame(textBytes)
}

func EncodeTextFrame(kind EventKind, data any, timestamp time.Time) ([]byte, error) {
	envelope := map[string]any{
		"type": kind,
	}
	if data != nil {
		envelope["data"] = data
	}
	if !timestamp.IsZero() {
		envelope["timestamp"] = timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(envelope)
}

func EncodeBinaryFrame(kind EventKind, data any, timestamp time.Time) ([]byte, error) {
	textBytes, err := EncodeTextFrame(kind, data, timestamp)
	if err != nil {
		return nil, err
	}
	frame := &structpb.Struct{}
	if err := protojson.Unmarshal(textBytes, frame); err != nil {
		return nil, err
	}
	return proto.Marshal(frame)
}

func decodeEnvelope(envelope *frameEnvelope) (*PushEvent, error) {
	event := &PushEvent{
		Kind: envelope.Type,
	}
	if envelope.Timestamp != nil {
		event.Timestamp = *envelope.Timestamp
	}

	unmarshal := func(payload any) error {
		if len(envelope.Data) == 0 {
			return fmt.Errorf("Event %s has no data.", envelope.Type)
		}
		return json.Unmarshal(envelope.Data, payload)
	}

	switch kind := envelope.Type; {
	case kind.IsLifecycle():
		if kind == EventError && 0 < len(envelope.Data) {
			var message string
			if err := json.Unmarshal(envelope.Data, &message); err == nil {
				event.Err = fmt.Errorf("%s", message)
			} else {
				event.Err = fmt.Errorf("%s", string(envelope.Data))
			}
		}
	case kind == EventCommentCreated || kind == EventCommentUpdated:
		payload := &commentPayload{}
		if err := unmarshal(payload); err != nil {
			return nil, err
		}
		event.Comment = payload.comment()
		event.Likes = payload.likes(event.eventTime(payload.UpdatedAt))
	case kind == EventReplyCreated || kind == EventReplyUpdated:
		payload := &replyPayload{}
		if err := unmarshal(payload); err != nil {
			return nil, err
		}
		event.Reply = payload.reply()
		event.Likes = payload.likes(event.eventTime(payload.UpdatedAt))
	case kind == EventCommentDeleted || kind == EventReplyDeleted:
		payload := &deletePayload{}
		if err := unmarshal(payload); err != nil {
			return nil, err
		}
		event.TargetId = payload.Id
		if event.TargetId == "" {
			event.TargetId = payload.MongoId
		}
		event.ParentId = payload.ParentId
		if event.ParentId == "" {
			event.ParentId = payload.CommentId
		}
		if payload.DeletedAt != nil {
			event.Timestamp = *payload.DeletedAt
		}
	case kind.IsLike():
		payload := &likePayload{}
		if err := unmarshal(payload); err != nil {
			return nil, err
		}
		targetKind, likeType, op := kind.likeParts()
		event.Like = &LikeDelta{
			TargetId:   payload.TargetId,
			TargetKind: targetKind,
			UserId:     payload.UserId,
			Type:       likeType,
			Op:         op,
			Counts:     payload.Counts,
			At:         event.Timestamp,
		}
		if payload.Timestamp != nil {
			event.Like.At = *payload.Timestamp
		}
	case kind == EventTyping:
		typing := &TypingIndicator{}
		if err := unmarshal(typing); err != nil {
			return nil, err
		}
		event.Typing = typing
	case kind == EventNotification:
		notice := &ServerNotice{}
		if err := unmarshal(notice); err != nil {
			return nil, err
		}
		event.Notice = notice
	default:
		return nil, fmt.Errorf("Unknown event type: %s", envelope.Type)
	}
	return event, nil
}

// the payload time, falling back to the envelope time
func (self *PushEvent) eventTime(payloadTime time.Time) time.Time {
	if !payloadTime.IsZero() {
		return payloadTime
	}
	return self.Timestamp
}
