package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type clientTest struct {
	clock       *manualClock
	api         *fakeApi
	transport   *fakeTransport
	credentials *MemoryCredentialStore
	notifier    *testNotifier
	client      *Client
}

func newClientTest(ctx context.Context, transportResults ...error) *clientTest {
	clock := newManualClock(at(0))
	api := newFakeApi()
	transport := newFakeTransport(transportResults...)
	credentials := NewMemoryCredentialStore(testJwt("u1"))
	notifier := newTestNotifier()
	client := NewClient(ctx, clock, api, transport, credentials, notifier, DefaultClientSettings())
	client.Store().SetSelfId("u1")
	return &clientTest{
		clock:       clock,
		api:         api,
		transport:   transport,
		credentials: credentials,
		notifier:    notifier,
		client:      client,
	}
}

func testThread(comment *Comment, likes LikeCounts, replies ...*Reply) *ThreadResult {
	thread := &ThreadResult{
		Comment: comment,
		Likes:   &LikeSnapshot{Counts: likes, Status: &LikeStatus{}, At: comment.UpdatedAt},
		Replies: []*ReplyResult{},
	}
	for _, reply := range replies {
		thread.Replies = append(thread.Replies, &ReplyResult{Reply: reply})
	}
	return thread
}

func TestClientLoadComments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()

	test.api.threads = []*ThreadResult{
		testThread(newTestComment("c1", "u2", "one", at(1)), LikeCounts{Likes: 2}, newTestReply("r1", "c1", "u3", "reply", at(2))),
		testThread(newTestComment("c2", "u3", "two", at(3)), LikeCounts{}),
	}
	test.api.setResult(at(5), nil)

	assert.Equal(t, test.client.LoadComments(ctx), nil)
	assert.Equal(t, test.client.Store().Ids(), []Id{"c1", "c2", "r1"})
	comment, _ := test.client.Store().Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 2})
	// loads are silent
	assert.Equal(t, len(test.notifier.All()), 0)

	// a second snapshot without c1 removes it
	test.api.threads = test.api.threads[1:]
	test.api.setResult(at(6), nil)
	assert.Equal(t, test.client.LoadComments(ctx), nil)
	assert.Equal(t, test.client.Store().Ids(), []Id{"c2"})
	assert.Equal(t, test.client.Store().IsDeleted("r1"), true)
}

func TestClientCreateComment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()
	test.api.setResult(at(2), nil)

	// the local record is visible while the request is in flight
	test.api.gate = make(chan struct{})
	type result struct {
		comment *Comment
		err     error
	}
	done := make(chan result)
	go func() {
		comment, err := test.client.CreateComment(ctx, "hello")
		done <- result{comment, err}
	}()
	waitFor(t, 5*time.Second, func() bool {
		return len(test.client.Store().Comments()) == 1
	})
	local := test.client.Store().Comments()[0]
	assert.Equal(t, local.Id.IsLocal(), true)
	assert.Equal(t, local.Pending, true)
	assert.Equal(t, local.Body, "hello")
	close(test.api.gate)

	r := <-done
	assert.Equal(t, r.err, nil)
	assert.Equal(t, r.comment.Id.IsLocal(), false)
	assert.Equal(t, r.comment.Pending, false)
	assert.Equal(t, test.client.Store().Ids(), []Id{r.comment.Id})
	assert.Equal(t, len(test.client.Pending()), 0)
	assert.Equal(t, test.notifier.Titles(), []string{"Comment posted"})
}

func TestClientLikeRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()
	test.api.threads = []*ThreadResult{
		testThread(newTestComment("c1", "u2", "one", at(1)), LikeCounts{Likes: 1, Dislikes: 1}),
	}
	test.api.setResult(at(2), nil)
	test.client.LoadComments(ctx)
	before, _ := test.client.Store().Comment("c1")

	test.api.setResult(time.Time{}, &ApiError{StatusCode: 409, Message: "Conflict"})
	err := test.client.Like(ctx, "c1")
	assert.NotEqual(t, err, nil)

	after, _ := test.client.Store().Comment("c1")
	assert.Equal(t, after, before)
	assert.Equal(t, test.notifier.All(), []notification{
		{"error", "Could not like comment", "Conflict"},
	})
}

func TestClientLikeToggle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()
	test.api.threads = []*ThreadResult{
		testThread(newTestComment("c1", "u2", "one", at(1)), LikeCounts{Likes: 1}),
	}
	test.api.setResult(at(2), nil)
	test.client.LoadComments(ctx)

	test.api.setResult(at(3), nil)
	assert.Equal(t, test.client.Like(ctx, "c1"), nil)
	comment, _ := test.client.Store().Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 2})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasLiked: true})
	assert.Equal(t, comment.Pending, false)

	// like -> dislike
	test.api.setResult(at(4), nil)
	assert.Equal(t, test.client.Dislike(ctx, "c1"), nil)
	comment, _ = test.client.Store().Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 1, Dislikes: 1})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasDisliked: true})

	// dislike again clears
	test.api.setResult(at(5), nil)
	assert.Equal(t, test.client.Dislike(ctx, "c1"), nil)
	comment, _ = test.client.Store().Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 1})
	assert.Equal(t, comment.LikeStatus, LikeStatus{})

	assert.Equal(t, test.api.Calls()[1:], []string{"set-like", "set-dislike", "clear-"})
	// the echo of the last change is a duplicate
	echo := likeChange("c1", "u1", LikeTypeNone, LikeCounts{Likes: 1}, at(5))
	assert.Equal(t, test.client.apply(echo)[0].Status, OutcomeDuplicate)
}

func TestClientDeleteComment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()
	test.api.threads = []*ThreadResult{
		testThread(newTestComment("c1", "u1", "mine", at(1)), LikeCounts{}, newTestReply("r1", "c1", "u2", "reply", at(2))),
	}
	test.api.setResult(at(2), nil)
	test.client.LoadComments(ctx)

	test.api.setResult(at(3), nil)
	assert.Equal(t, test.client.DeleteComment(ctx, "c1"), nil)
	assert.Equal(t, len(test.client.Store().Ids()), 0)
	assert.Equal(t, test.notifier.Titles(), []string{"Comment deleted"})

	// a failed delete puts the entity back
	test.api.threads = []*ThreadResult{
		testThread(newTestComment("c2", "u1", "mine", at(4)), LikeCounts{}),
	}
	test.api.setResult(at(5), nil)
	test.client.LoadComments(ctx)
	test.api.setResult(time.Time{}, &ApiError{StatusCode: 500, Message: "Internal Server Error"})
	assert.NotEqual(t, test.client.DeleteComment(ctx, "c2"), nil)
	assert.Equal(t, test.client.Store().Exists("c2"), true)
}

func TestClientSessionInvalidated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()

	invalidated := make(chan error, 4)
	test.client.AddSessionInvalidatedCallback(func(err error) {
		invalidated <- err
	})

	test.api.setResult(time.Time{}, &ApiError{StatusCode: 401, Message: "Unauthorized"})
	err := test.client.LoadComments(ctx)
	assert.Equal(t, IsUnauthorized(err), true)
	// a second rejection is the same session
	test.client.LoadComments(ctx)

	assert.Equal(t, IsUnauthorized(<-invalidated), true)
	assert.Equal(t, len(invalidated), 0)
	_, err = test.credentials.Credential()
	assert.Equal(t, errors.Is(err, ErrNoCredential), true)
	assert.Equal(t, test.notifier.Titles(), []string{"Session expired"})
}

func TestClientPushEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx, nil)
	defer test.client.Close()

	var outcomesLock sync.Mutex
	outcomes := []*Outcome{}
	test.client.AddOutcomeCallback(func(outcome *Outcome) {
		outcomesLock.Lock()
		defer outcomesLock.Unlock()
		outcomes = append(outcomes, outcome)
	})
	statusList := func() []OutcomeStatus {
		outcomesLock.Lock()
		defer outcomesLock.Unlock()
		return statuses(outcomes)
	}

	assert.Equal(t, test.client.Start(), nil)
	conn := waitForConnect(t, test.transport)
	waitFor(t, 5*time.Second, func() bool {
		return len(test.notifier.All()) == 1
	})
	assert.Equal(t, test.client.State(), ConnectionStateConnected)

	// the reply arrives before its comment
	conn.events <- &PushEvent{Kind: EventReplyCreated, Timestamp: at(2), Reply: newTestReply("r1", "c1", "u3", "first!", at(2))}
	conn.events <- &PushEvent{Kind: EventCommentCreated, Timestamp: at(1), Comment: newTestComment("c1", "u2", "hello", at(1))}
	conn.events <- &PushEvent{Kind: EventCommentCreated, Timestamp: at(1), Comment: newTestComment("c1", "u2", "hello", at(1))}

	waitFor(t, 5*time.Second, func() bool {
		return len(statusList()) == 4
	})
	assert.Equal(t, statusList(), []OutcomeStatus{OutcomeBuffered, OutcomeApplied, OutcomeApplied, OutcomeDuplicate})
	assert.Equal(t, len(test.client.Store().Replies("c1")), 1)
	assert.Equal(t, test.notifier.Titles(), []string{"Live updates connected", "New comment", "New reply"})
}

func TestClientSweepExpiresBuffered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()

	outcomes := test.client.apply(replyCreated(newTestReply("r1", "c9", "u2", "orphan", at(1))))
	assert.Equal(t, outcomes[0].Status, OutcomeBuffered)

	test.clock.Advance(DefaultRouterSettings().BufferTimeout)
	test.client.Sweep()
	assert.Equal(t, test.notifier.Titles(), []string{"Could not load update"})
}

func TestClientSweepExpiresOperations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newClientTest(ctx)
	defer test.client.Close()
	test.api.threads = []*ThreadResult{
		testThread(newTestComment("c1", "u1", "mine", at(1)), LikeCounts{}),
	}
	test.api.setResult(at(2), nil)
	test.client.LoadComments(ctx)

	// the server never answers
	test.api.gate = make(chan struct{})
	defer close(test.api.gate)
	go test.client.EditComment(ctx, "c1", "edited")
	waitFor(t, 5*time.Second, func() bool {
		return len(test.client.Pending()) == 1
	})

	test.clock.Advance(DefaultCoordinatorSettings().OperationTimeout)
	test.client.Sweep()
	comment, _ := test.client.Store().Comment("c1")
	assert.Equal(t, comment.Body, "mine")
	assert.Equal(t, comment.Pending, false)
	assert.Equal(t, test.notifier.Titles(), []string{"Could not update comment"})
}
