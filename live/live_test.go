package live

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return testEpoch.Add(time.Duration(seconds) * time.Second)
}

type manualWaiter struct {
	deadline time.Time
	c        chan time.Time
}

// a clock that only moves on `Advance`
type manualClock struct {
	stateLock sync.Mutex
	now       time.Time
	waiters   []*manualWaiter
	// signaled when a waiter is added
	added chan struct{}
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{
		now:     now,
		waiters: []*manualWaiter{},
		added:   make(chan struct{}, 1024),
	}
}

func (self *manualClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

func (self *manualClock) After(timeout time.Duration) <-chan time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	waiter := &manualWaiter{
		deadline: self.now.Add(timeout),
		c:        make(chan time.Time, 1),
	}
	if timeout <= 0 {
		waiter.c <- self.now
		return waiter.c
	}
	self.waiters = append(self.waiters, waiter)
	select {
	case self.added <- struct{}{}:
	default:
	}
	return waiter.c
}

func (self *manualClock) Advance(d time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.now = self.now.Add(d)
	waiters := []*manualWaiter{}
	for _, waiter := range self.waiters {
		if waiter.deadline.After(self.now) {
			waiters = append(waiters, waiter)
		} else {
			waiter.c <- self.now
		}
	}
	self.waiters = waiters
}

// the pending delays, in order of registration
func (self *manualClock) Waiting() []time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delays := []time.Duration{}
	for _, waiter := range self.waiters {
		delays = append(delays, waiter.deadline.Sub(self.now))
	}
	return delays
}

// blocks until a waiter is registered
func (self *manualClock) waitForWaiter(t *testing.T, timeout time.Duration) time.Duration {
	deadline := time.Now().Add(timeout)
	for {
		if waiting := self.Waiting(); 0 < len(waiting) {
			return waiting[len(waiting)-1]
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("No waiter after %s", timeout)
		}
		select {
		case <-self.added:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type notification struct {
	level   string
	title   string
	message string
}

type testNotifier struct {
	stateLock     sync.Mutex
	notifications []notification
}

func newTestNotifier() *testNotifier {
	return &testNotifier{
		notifications: []notification{},
	}
}

func (self *testNotifier) add(level string, title string, message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.notifications = append(self.notifications, notification{level, title, message})
}

func (self *testNotifier) ShowSuccess(title string, message string) {
	self.add("success", title, message)
}

func (self *testNotifier) ShowError(title string, message string) {
	self.add("error", title, message)
}

func (self *testNotifier) ShowInfo(title string, message string) {
	self.add("info", title, message)
}

func (self *testNotifier) All() []notification {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]notification{}, self.notifications...)
}

func (self *testNotifier) Titles() []string {
	titles := []string{}
	for _, n := range self.All() {
		titles = append(titles, n.title)
	}
	return titles
}

func testJwt(userId string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"userId": userId,
	})
	signed, err := token.SignedString([]byte("test"))
	if err != nil {
		panic(err)
	}
	return signed
}

func newTestComment(id Id, authorId Id, body string, createdAt time.Time) *Comment {
	return &Comment{
		Id:        id,
		AuthorId:  authorId,
		Body:      body,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		ReplyIds:  []Id{},
	}
}

func newTestReply(id Id, parentId Id, authorId Id, body string, createdAt time.Time) *Reply {
	return &Reply{
		Id:        id,
		ParentId:  parentId,
		AuthorId:  authorId,
		Body:      body,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func commentCreated(comment *Comment) *Change {
	return &Change{
		Source:     ChangeSourcePush,
		Kind:       ChangeCommentCreated,
		ServerTime: comment.UpdatedAt,
		Comment:    comment,
	}
}

func replyCreated(reply *Reply) *Change {
	return &Change{
		Source:     ChangeSourcePush,
		Kind:       ChangeReplyCreated,
		ServerTime: reply.UpdatedAt,
		Reply:      reply,
	}
}

func likeChange(targetId Id, userId Id, likeType LikeType, counts LikeCounts, serverTime time.Time) *Change {
	op := LikeOpSet
	if likeType == LikeTypeNone {
		op = LikeOpClear
	}
	return &Change{
		Source:     ChangeSourcePush,
		Kind:       ChangeLike,
		ServerTime: serverTime,
		Like: &LikeDelta{
			TargetId:   targetId,
			TargetKind: TargetKindComment,
			UserId:     userId,
			Type:       likeType,
			Op:         op,
			Counts:     &counts,
			At:         serverTime,
		},
	}
}

// an api whose calls are answered by the test
type fakeApi struct {
	stateLock sync.Mutex

	threads    []*ThreadResult
	serverTime time.Time
	err        error
	// when set, calls block until a value is sent
	gate chan struct{}

	calls []string
}

func newFakeApi() *fakeApi {
	return &fakeApi{
		threads: []*ThreadResult{},
	}
}

func (self *fakeApi) call(name string) (time.Time, error) {
	self.stateLock.Lock()
	self.calls = append(self.calls, name)
	gate := self.gate
	self.stateLock.Unlock()

	if gate != nil {
		<-gate
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.serverTime, self.err
}

func (self *fakeApi) setResult(serverTime time.Time, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.serverTime = serverTime
	self.err = err
}

func (self *fakeApi) Calls() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]string{}, self.calls...)
}

func (self *fakeApi) ListComments(ctx context.Context) (*ApiResult[[]*ThreadResult], error) {
	serverTime, err := self.call("list")
	if err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &ApiResult[[]*ThreadResult]{Data: self.threads, ServerTime: serverTime}, nil
}

func (self *fakeApi) CreateComment(ctx context.Context, body string) (*ApiResult[*ThreadResult], error) {
	serverTime, err := self.call("create-comment")
	if err != nil {
		return nil, err
	}
	comment := newTestComment(Id(fmt.Sprintf("c-%d", serverTime.Unix())), "u1", body, serverTime)
	return &ApiResult[*ThreadResult]{
		Data: &ThreadResult{
			Comment: comment,
			Likes:   &LikeSnapshot{Counts: LikeCounts{}, Status: &LikeStatus{}, At: serverTime},
			Replies: []*ReplyResult{},
		},
		ServerTime: serverTime,
	}, nil
}

func (self *fakeApi) UpdateComment(ctx context.Context, commentId Id, body string) (*ApiResult[*ThreadResult], error) {
	serverTime, err := self.call("update-comment")
	if err != nil {
		return nil, err
	}
	comment := newTestComment(commentId, "u1", body, at(0))
	comment.UpdatedAt = serverTime
	return &ApiResult[*ThreadResult]{
		Data:       &ThreadResult{Comment: comment, Replies: []*ReplyResult{}},
		ServerTime: serverTime,
	}, nil
}

func (self *fakeApi) DeleteComment(ctx context.Context, commentId Id) (*ApiResult[*DeleteResult], error) {
	serverTime, err := self.call("delete-comment")
	if err != nil {
		return nil, err
	}
	return &ApiResult[*DeleteResult]{Data: &DeleteResult{Id: commentId}, ServerTime: serverTime}, nil
}

func (self *fakeApi) CreateReply(ctx context.Context, commentId Id, body string) (*ApiResult[*ReplyResult], error) {
	serverTime, err := self.call("create-reply")
	if err != nil {
		return nil, err
	}
	reply := newTestReply(Id(fmt.Sprintf("r-%d", serverTime.Unix())), commentId, "u1", body, serverTime)
	return &ApiResult[*ReplyResult]{Data: &ReplyResult{Reply: reply}, ServerTime: serverTime}, nil
}

func (self *fakeApi) UpdateReply(ctx context.Context, replyId Id, body string) (*ApiResult[*ReplyResult], error) {
	return nil, fmt.Errorf("Not implemented.")
}

func (self *fakeApi) DeleteReply(ctx context.Context, replyId Id) (*ApiResult[*DeleteResult], error) {
	serverTime, err := self.call("delete-reply")
	if err != nil {
		return nil, err
	}
	return &ApiResult[*DeleteResult]{Data: &DeleteResult{Id: replyId}, ServerTime: serverTime}, nil
}

func (self *fakeApi) Like(
	ctx context.Context,
	targetKind TargetKind,
	targetId Id,
	likeType LikeType,
	likeOp LikeOp,
) (*ApiResult[*LikeResult], error) {
	serverTime, err := self.call(fmt.Sprintf("%s-%s", likeOp, likeType))
	if err != nil {
		return nil, err
	}
	// the fake server has one like record from another user
	counts := LikeCounts{Likes: 1}
	if likeOp == LikeOpSet {
		counts = counts.Add(likeType)
	}
	status := LikeStatusOf(likeType)
	return &ApiResult[*LikeResult]{
		Data: &LikeResult{
			TargetId: targetId,
			Counts:   &counts,
			Status:   &status,
		},
		ServerTime: serverTime,
	}, nil
}

// push connections whose events are fed by the test
type fakeConn struct {
	events chan *PushEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan *PushEvent, 64),
		closed: make(chan struct{}),
	}
}

func (self *fakeConn) Read(ctx context.Context) (*PushEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.closed:
		return nil, fmt.Errorf("Connection dropped.")
	case event := <-self.events:
		return event, nil
	}
}

func (self *fakeConn) Close() {
	self.once.Do(func() {
		close(self.closed)
	})
}

type fakeTransport struct {
	stateLock sync.Mutex
	// each connect takes the next result. After the last, connects fail.
	results  []error
	conns    []*fakeConn
	attempts int
	// signaled on every connect attempt
	connected chan *fakeConn
}

func newFakeTransport(results ...error) *fakeTransport {
	return &fakeTransport{
		results:   results,
		conns:     []*fakeConn{},
		connected: make(chan *fakeConn, 64),
	}
}

func (self *fakeTransport) Connect(ctx context.Context, credential string) (ChannelConn, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := self.attempts
	self.attempts += 1
	var err error
	if i < len(self.results) {
		err = self.results[i]
	} else {
		err = fmt.Errorf("Connect failed.")
	}
	if err != nil {
		self.connected <- nil
		return nil, err
	}
	conn := newFakeConn()
	self.conns = append(self.conns, conn)
	self.connected <- conn
	return conn, nil
}

func (self *fakeTransport) Attempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attempts
}

func (self *fakeTransport) Conn(i int) *fakeConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conns[i]
}

func waitForConnect(t *testing.T, transport *fakeTransport) *fakeConn {
	select {
	case conn := <-transport.connected:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("No connect attempt.")
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatalf("Condition not met after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
