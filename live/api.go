package live

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// `data` of a response, with the server time of the response
type ApiResult[R any] struct {
	Message string
	Data    R
	// the envelope timestamp, else the `Date` header. Zero if neither is present.
	ServerTime time.Time
}

type ThreadResult struct {
	Comment *Comment
	// nil when the response has no counts
	Likes   *LikeSnapshot
	Replies []*ReplyResult
}

type ReplyResult struct {
	Reply *Reply
	Likes *LikeSnapshot
}

type LikeResult struct {
	TargetId Id
	Counts   *LikeCounts
	Status   *LikeStatus
	// server time of the like record, if the response has one
	At time.Time
}

type DeleteResult struct {
	Id       Id
	ParentId Id
	// server time of the delete, if the response has one
	DeletedAt time.Time
}

// The REST boundary. Every call returns `*ApiError` when the server rejects the request,
// which unwraps to `ErrUnauthorized` for a 401.
type Api interface {
	ListComments(ctx context.Context) (*ApiResult[[]*ThreadResult], error)
	CreateComment(ctx context.Context, body string) (*ApiResult[*ThreadResult], error)
	UpdateComment(ctx context.Context, commentId Id, body string) (*ApiResult[*ThreadResult], error)
	DeleteComment(ctx context.Context, commentId Id) (*ApiResult[*DeleteResult], error)
	CreateReply(ctx context.Context, commentId Id, body string) (*ApiResult[*ReplyResult], error)
	UpdateReply(ctx context.Context, replyId Id, body string) (*ApiResult[*ReplyResult], error)
	DeleteReply(ctx context.Context, replyId Id) (*ApiResult[*DeleteResult], error)
	Like(ctx context.Context, targetKind TargetKind, targetId Id, likeType LikeType, likeOp LikeOp) (*ApiResult[*LikeResult], error)
}

type CommentApi struct {
	apiUrl      string
	credentials CredentialStore
	client      *http.Client
}

func NewCommentApi(apiUrl string, credentials CredentialStore) *CommentApi {
	return &CommentApi{
		apiUrl:      apiUrl,
		credentials: credentials,
		client:      defaultClient(),
	}
}

type bodyArgs struct {
	Body string `json:"body"`
}

type apiEnvelope struct {
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

type likeResultPayload struct {
	TargetId  Id          `json:"targetId"`
	Counts    *LikeCounts `json:"likeCounts,omitempty"`
	Status    *LikeStatus `json:"currentUserLikeStatus,omitempty"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

func (self *CommentApi) ListComments(ctx context.Context) (*ApiResult[[]*ThreadResult], error) {
	result, err := call(ctx, self, "GET", "/comments", nil, &[]*commentPayload{})
	if err != nil {
		return nil, err
	}
	threads := []*ThreadResult{}
	for _, payload := range *result.Data {
		threads = append(threads, threadResult(payload, result.ServerTime))
	}
	return withData(result, threads), nil
}

func (self *CommentApi) CreateComment(ctx context.Context, body string) (*ApiResult[*ThreadResult], error) {
	result, err := call(ctx, self, "POST", "/comments", &bodyArgs{Body: body}, &commentPayload{})
	if err != nil {
		return nil, err
	}
	return withData(result, threadResult(result.Data, result.ServerTime)), nil
}

func (self *CommentApi) UpdateComment(ctx context.Context, commentId Id, body string) (*ApiResult[*ThreadResult], error) {
	path := fmt.Sprintf("/comments/%s", url.PathEscape(string(commentId)))
	result, err := call(ctx, self, "PUT", path, &bodyArgs{Body: body}, &commentPayload{})
	if err != nil {
		return nil, err
	}
	return withData(result, threadResult(result.Data, result.ServerTime)), nil
}

func (self *CommentApi) DeleteComment(ctx context.Context, commentId Id) (*ApiResult[*DeleteResult], error) {
	path := fmt.Sprintf("/comments/%s", url.PathEscape(string(commentId)))
	result, err := call(ctx, self, "DELETE", path, nil, &deletePayload{})
	if err != nil {
		return nil, err
	}
	return withData(result, deleteResult(result.Data, commentId)), nil
}

func (self *CommentApi) CreateReply(ctx context.Context, commentId Id, body string) (*ApiResult[*ReplyResult], error) {
	path := fmt.Sprintf("/comments/%s/replies", url.PathEscape(string(commentId)))
	result, err := call(ctx, self, "POST", path, &bodyArgs{Body: body}, &replyPayload{})
	if err != nil {
		return nil, err
	}
	reply := replyResult(result.Data, result.ServerTime)
	if reply.Reply.ParentId.IsEmpty() {
		reply.Reply.ParentId = commentId
	}
	return withData(result, reply), nil
}

func (self *CommentApi) UpdateReply(ctx context.Context, replyId Id, body string) (*ApiResult[*ReplyResult], error) {
	path := fmt.Sprintf("/replies/%s", url.PathEscape(string(replyId)))
	result, err := call(ctx, self, "PUT", path, &bodyArgs{Body: body}, &replyPayload{})
	if err != nil {
		return nil, err
	}
	return withData(result, replyResult(result.Data, result.ServerTime)), nil
}

func (self *CommentApi) DeleteReply(ctx context.Context, replyId Id) (*ApiResult[*DeleteResult], error) {
	path := fmt.Sprintf("/replies/%s", url.PathEscape(string(replyId)))
	result, err := call(ctx, self, "DELETE", path, nil, &deletePayload{})
	if err != nil {
		return nil, err
	}
	return withData(result, deleteResult(result.Data, replyId)), nil
}

// set posts `like` or `dislike`. clear deletes the record.
func (self *CommentApi) Like(
	ctx context.Context,
	targetKind TargetKind,
	targetId Id,
	likeType LikeType,
	likeOp LikeOp,
) (*ApiResult[*LikeResult], error) {
	collection := "comments"
	if targetKind == TargetKindReply {
		collection = "replies"
	}
	var method string
	var path string
	switch likeOp {
	case LikeOpSet:
		method = "POST"
		path = fmt.Sprintf("/%s/%s/%s", collection, url.PathEscape(string(targetId)), likeType)
	default:
		method = "DELETE"
		path = fmt.Sprintf("/%s/%s/like", collection, url.PathEscape(string(targetId)))
	}
	result, err := call(ctx, self, method, path, nil, &likeResultPayload{})
	if err != nil {
		return nil, err
	}
	payload := result.Data
	like := &LikeResult{
		TargetId: payload.TargetId,
		Counts:   payload.Counts,
		Status:   payload.Status,
	}
	if like.TargetId.IsEmpty() {
		like.TargetId = targetId
	}
	if payload.Timestamp != nil {
		like.At = *payload.Timestamp
	}
	return withData(result, like), nil
}

func call[R any](ctx context.Context, api *CommentApi, method string, path string, args any, result R) (*ApiResult[R], error) {
	credential, err := api.credentials.Credential()
	if err != nil {
		return nil, err
	}

	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, api.apiUrl+path, requestBody)
	if err != nil {
		return nil, err
	}
	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", credential))

	r, err := api.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("[api]%s %s = %d\n", method, path, r.StatusCode)

	envelope := &apiEnvelope{}
	envelopeErr := json.Unmarshal(responseBodyBytes, envelope)

	if r.StatusCode < 200 || 300 <= r.StatusCode || (envelopeErr == nil && envelope.Success != nil && !*envelope.Success) {
		apiErr := &ApiError{
			StatusCode: r.StatusCode,
			Message:    http.StatusText(r.StatusCode),
		}
		if envelopeErr == nil {
			if envelope.Message != "" {
				apiErr.Message = envelope.Message
			}
			apiErr.Detail = errorDetail(envelope.Error)
		}
		return nil, apiErr
	}
	if envelopeErr != nil {
		return nil, envelopeErr
	}

	if 0 < len(envelope.Data) && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return nil, err
		}
	}

	apiResult := &ApiResult[R]{
		Message: envelope.Message,
		Data:    result,
	}
	if envelope.Timestamp != nil {
		apiResult.ServerTime = *envelope.Timestamp
	} else if date := r.Header.Get("Date"); date != "" {
		if serverTime, err := http.ParseTime(date); err == nil {
			apiResult.ServerTime = serverTime
		}
	}
	return apiResult, nil
}

// `error` is a string or an object with a message
func errorDetail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var detail string
	if err := json.Unmarshal(raw, &detail); err == nil {
		return detail
	}
	var detailObj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &detailObj); err == nil && detailObj.Message != "" {
		return detailObj.Message
	}
	return string(raw)
}

func withData[R any, S any](result *ApiResult[R], data S) *ApiResult[S] {
	return &ApiResult[S]{
		Message:    result.Message,
		Data:       data,
		ServerTime: result.ServerTime,
	}
}

// like totals in a rest response are taken at the response time
func threadResult(payload *commentPayload, serverTime time.Time) *ThreadResult {
	thread := &ThreadResult{
		Comment: payload.comment(),
		Replies: []*ReplyResult{},
	}
	thread.Likes = payload.likes(responseTime(serverTime, payload.UpdatedAt))
	for _, replyPayload := range payload.Replies {
		reply := replyResult(replyPayload, serverTime)
		if reply.Reply.ParentId.IsEmpty() {
			reply.Reply.ParentId = thread.Comment.Id
		}
		thread.Replies = append(thread.Replies, reply)
	}
	return thread
}

func replyResult(payload *replyPayload, serverTime time.Time) *ReplyResult {
	return &ReplyResult{
		Reply: payload.reply(),
		Likes: payload.likes(responseTime(serverTime, payload.UpdatedAt)),
	}
}

func deleteResult(payload *deletePayload, id Id) *DeleteResult {
	result := &DeleteResult{
		Id:       payload.Id,
		ParentId: payload.ParentId,
	}
	if result.Id.IsEmpty() {
		result.Id = payload.MongoId
	}
	if result.Id.IsEmpty() {
		result.Id = id
	}
	if result.ParentId.IsEmpty() {
		result.ParentId = payload.CommentId
	}
	if payload.DeletedAt != nil {
		result.DeletedAt = *payload.DeletedAt
	}
	return result
}

func responseTime(serverTime time.Time, updatedAt time.Time) time.Time {
	if !serverTime.IsZero() {
		return serverTime
	}
	return updatedAt
}
