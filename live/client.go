package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ClientSettings struct {
	StoreSettings       *StoreSettings
	ChannelSettings     *ChannelSettings
	CoordinatorSettings *CoordinatorSettings
	RouterSettings      *RouterSettings
	DispatcherSettings  *DispatcherSettings
	// pending expiry and buffer timeouts are checked at this interval
	SweepInterval time.Duration
	// reload the comments after a reconnect to pick up changes missed while disconnected
	ResyncOnReconnect bool
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		StoreSettings:       DefaultStoreSettings(),
		ChannelSettings:     DefaultChannelSettings(),
		CoordinatorSettings: DefaultCoordinatorSettings(),
		RouterSettings:      DefaultRouterSettings(),
		DispatcherSettings:  DefaultDispatcherSettings(),
		SweepInterval:       1 * time.Second,
		ResyncOnReconnect:   true,
	}
}

type OutcomeFunction func(outcome *Outcome)

type SessionInvalidatedFunction func(err error)

// Wires the store, coordinator, router, dispatcher and channel for one session.
// Every mutation runs as one task under `taskLock`, so no two mutations overlap.
// Rest calls run outside the lock and the store stays readable during them.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	clock       Clock
	api         Api
	credentials CredentialStore
	settings    *ClientSettings

	store       *EntityStore
	coordinator *Coordinator
	router      *Router
	dispatcher  *Dispatcher
	channel     *ChannelManager

	taskLock sync.Mutex

	stateLock    sync.Mutex
	started      bool
	loaded       bool
	invalidated  bool
	subscription *Subscription

	outcomeCallbacks *CallbackList[OutcomeFunction]
	sessionCallbacks *CallbackList[SessionInvalidatedFunction]
}

func NewClientWithDefaults(
	ctx context.Context,
	api Api,
	transport ChannelTransport,
	credentials CredentialStore,
	notifier Notifier,
) *Client {
	return NewClient(ctx, SystemClock(), api, transport, credentials, notifier, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	clock Clock,
	api Api,
	transport ChannelTransport,
	credentials CredentialStore,
	notifier Notifier,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewEntityStoreWithSettings("", settings.StoreSettings)
	coordinator := NewCoordinator(clock, store, settings.CoordinatorSettings)
	router := NewRouter(cancelCtx, clock, store, coordinator, settings.RouterSettings)
	dispatcher := NewDispatcher(cancelCtx, clock, notifier, store, settings.DispatcherSettings)
	channel := NewChannelManager(cancelCtx, clock, transport, credentials, settings.ChannelSettings)

	client := &Client{
		ctx:              cancelCtx,
		cancel:           cancel,
		clock:            clock,
		api:              api,
		credentials:      credentials,
		settings:         settings,
		store:            store,
		coordinator:      coordinator,
		router:           router,
		dispatcher:       dispatcher,
		channel:          channel,
		outcomeCallbacks: NewCallbackList[OutcomeFunction](),
		sessionCallbacks: NewCallbackList[SessionInvalidatedFunction](),
	}
	channel.AddStateCallback(client.connectionStateChanged)
	return client
}

func (self *Client) Store() *EntityStore {
	return self.store
}

func (self *Client) State() ConnectionState {
	return self.channel.State()
}

func (self *Client) Pending() []*PendingOperation {
	return self.coordinator.Pending()
}

func (self *Client) AddOutcomeCallback(outcomeCallback OutcomeFunction) func() {
	callbackId := self.outcomeCallbacks.Add(outcomeCallback)
	return func() {
		self.outcomeCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddSessionInvalidatedCallback(sessionCallback SessionInvalidatedFunction) func() {
	callbackId := self.sessionCallbacks.Add(sessionCallback)
	return func() {
		self.sessionCallbacks.Remove(callbackId)
	}
}

// Reads the current user from the credential and connects the push channel.
func (self *Client) Start() error {
	credential, err := self.credentials.Credential()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoCredential, err)
	}
	claims, err := ParseCredentialUnverified(credential)
	if err != nil {
		return err
	}
	if claims.Expired(self.clock.Now()) {
		glog.Infof("[client]credential expired at %s\n", claims.ExpiresAt)
	}
	self.store.SetSelfId(claims.UserId)

	start := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.started {
			return false
		}
		self.started = true
		self.invalidated = false
		self.subscription = self.channel.Subscribe(0)
		go self.consume(self.subscription)
		go self.sweep()
		return true
	}()
	if start {
		glog.V(1).Infof("[client]start user %s\n", claims.UserId)
	}
	return self.channel.Initialize()
}

func (self *Client) Close() {
	self.channel.Shutdown()
	self.cancel()
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.subscription != nil {
		self.subscription.Close()
	}
}

func (self *Client) consume(subscription *Subscription) {
	for event := range subscription.Events() {
		HandleError(func() {
			self.handleEvent(event)
		})
	}
}

func (self *Client) handleEvent(event *PushEvent) {
	switch {
	case event.Kind == EventReconnect:
		if self.settings.ResyncOnReconnect && self.isLoaded() {
			go self.resync()
		}
	case event.Kind.IsLifecycle():
	case event.Typing != nil || event.Notice != nil:
		self.dispatcher.Event(event)
	default:
		change, ok := event.Change()
		if !ok {
			glog.Infof("[client]event without payload = %s\n", event.Kind)
			return
		}
		self.apply(change)
	}
}

func (self *Client) resync() {
	HandleError(func() {
		Trace("[client]resync", func() {
			if err := self.LoadComments(self.ctx); err != nil && !IsDoneError(err) {
				glog.Infof("[client]resync error = %s\n", err)
			}
		})
	})
}

func (self *Client) sweep() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.clock.After(self.settings.SweepInterval):
		}
		self.Sweep()
	}
}

// Rolls back expired operations and drops expired buffered changes.
func (self *Client) Sweep() {
	now := self.clock.Now()
	var expired []*PendingOperation
	var outcomes []*Outcome
	func() {
		self.taskLock.Lock()
		defer self.taskLock.Unlock()
		expired = self.coordinator.Expire(now)
		outcomes = self.router.Sweep(now)
	}()
	for _, op := range expired {
		self.dispatcher.OperationFailed(op, fmt.Errorf("No confirmation from the server. The change was undone."))
	}
	self.outcomes(outcomes)
}

// applies one change as a task
func (self *Client) apply(change *Change) []*Outcome {
	var expired []*PendingOperation
	var outcomes []*Outcome
	func() {
		self.taskLock.Lock()
		defer self.taskLock.Unlock()
		expired = self.coordinator.Expire(self.clock.Now())
		outcomes = self.router.Apply(change)
	}()
	for _, op := range expired {
		self.dispatcher.OperationFailed(op, fmt.Errorf("No confirmation from the server. The change was undone."))
	}
	self.outcomes(outcomes)
	return outcomes
}

func (self *Client) outcomes(outcomes []*Outcome) {
	for _, outcome := range outcomes {
		self.dispatcher.Outcome(outcome)
		for _, outcomeCallback := range self.outcomeCallbacks.Get() {
			HandleError(func() {
				outcomeCallback(outcome)
			})
		}
	}
}

func (self *Client) isLoaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loaded
}

func (self *Client) connectionStateChanged(state ConnectionState, err error) {
	self.dispatcher.ConnectionState(state, err)
	if state == ConnectionStateError && IsUnauthorized(err) {
		self.invalidateSession(err)
	}
}

// A rejected credential ends the session: the credential is cleared and the channel closed.
func (self *Client) invalidateSession(err error) {
	first := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.invalidated {
			return false
		}
		self.invalidated = true
		return true
	}()
	if !first {
		return
	}
	glog.Infof("[client]session invalidated = %s\n", err)
	if clearErr := self.credentials.ClearCredential(); clearErr != nil {
		glog.Infof("[client]clear credential error = %s\n", clearErr)
	}
	self.channel.Close()
	self.dispatcher.SessionInvalidated()
	for _, sessionCallback := range self.sessionCallbacks.Get() {
		HandleError(func() {
			sessionCallback(err)
		})
	}
}

func (self *Client) apiError(err error) {
	if IsUnauthorized(err) {
		self.invalidateSession(err)
	}
}

// Fetches every comment and reconciles the snapshot into the store.
func (self *Client) LoadComments(ctx context.Context) error {
	result, err := self.api.ListComments(ctx)
	if err != nil {
		self.apiError(err)
		return err
	}
	ids := map[Id]bool{}
	for _, thread := range result.Data {
		for _, change := range threadChanges(thread) {
			ids[change.Target()] = true
			self.apply(change)
		}
	}
	if !result.ServerTime.IsZero() {
		for _, change := range self.missingChanges(ids, result.ServerTime) {
			self.apply(change)
		}
	}
	self.stateLock.Lock()
	self.loaded = true
	self.stateLock.Unlock()
	return nil
}

// Deletes for confirmed entities that a snapshot taken at `serverTime` no longer has.
// Entities changed after the snapshot are kept.
func (self *Client) missingChanges(ids map[Id]bool, serverTime time.Time) []*Change {
	changes := []*Change{}
	for _, comment := range self.store.Comments() {
		if comment.Id.IsLocal() {
			continue
		}
		if !ids[comment.Id] && comment.UpdatedAt.Before(serverTime) {
			changes = append(changes, &Change{
				Source:     ChangeSourceRest,
				Kind:       ChangeCommentDeleted,
				ServerTime: serverTime,
				TargetId:   comment.Id,
			})
			continue
		}
		for _, reply := range self.store.Replies(comment.Id) {
			if reply.Id.IsLocal() {
				continue
			}
			if !ids[reply.Id] && reply.UpdatedAt.Before(serverTime) {
				changes = append(changes, &Change{
					Source:     ChangeSourceRest,
					Kind:       ChangeReplyDeleted,
					ServerTime: serverTime,
					TargetId:   reply.Id,
					ParentId:   comment.Id,
				})
			}
		}
	}
	return changes
}

func threadChanges(thread *ThreadResult) []*Change {
	changes := []*Change{
		{
			Source:     ChangeSourceRest,
			Kind:       ChangeCommentCreated,
			ServerTime: thread.Comment.UpdatedAt,
			Comment:    thread.Comment,
			Likes:      thread.Likes,
		},
	}
	for _, reply := range thread.Replies {
		changes = append(changes, replyChange(reply, ChangeReplyCreated))
	}
	return changes
}

func replyChange(reply *ReplyResult, kind ChangeKind) *Change {
	return &Change{
		Source:     ChangeSourceRest,
		Kind:       kind,
		ServerTime: reply.Reply.UpdatedAt,
		Reply:      reply.Reply,
		Likes:      reply.Likes,
	}
}

// settles a submitted operation from its rest result
func (self *Client) settle(op *PendingOperation, change *Change, err error) error {
	if err != nil {
		rejected := func() bool {
			self.taskLock.Lock()
			defer self.taskLock.Unlock()
			_, ok := self.coordinator.Reject(op.LocalId)
			return ok
		}()
		if rejected {
			self.dispatcher.OperationFailed(op, err)
		}
		self.apiError(err)
		return err
	}
	change.LocalId = op.LocalId
	outcomes := self.apply(change)
	if outcome := outcomes[0]; outcome.Status == OutcomeDropped && outcome.Err != nil {
		return outcome.Err
	}
	return nil
}

func (self *Client) optimistic(do func() (*PendingOperation, error)) (*PendingOperation, error) {
	self.taskLock.Lock()
	defer self.taskLock.Unlock()
	return do()
}

// Shows the comment at once and returns the confirmed comment.
func (self *Client) CreateComment(ctx context.Context, body string) (*Comment, error) {
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.CreateComment(body)
	})
	if err != nil {
		return nil, err
	}
	result, err := self.api.CreateComment(ctx, body)
	var change *Change
	if err == nil {
		change = threadChanges(result.Data)[0]
	}
	if err := self.settle(op, change, err); err != nil {
		return nil, err
	}
	comment, ok := self.store.Comment(change.Target())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, change.Target())
	}
	return comment, nil
}

func (self *Client) CreateReply(ctx context.Context, commentId Id, body string) (*Reply, error) {
	commentId = self.router.ResolveId(commentId)
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.CreateReply(commentId, body)
	})
	if err != nil {
		return nil, err
	}
	result, err := self.api.CreateReply(ctx, commentId, body)
	var change *Change
	if err == nil {
		change = replyChange(result.Data, ChangeReplyCreated)
	}
	if err := self.settle(op, change, err); err != nil {
		return nil, err
	}
	reply, ok := self.store.Reply(change.Target())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, change.Target())
	}
	return reply, nil
}

func (self *Client) EditComment(ctx context.Context, commentId Id, body string) error {
	commentId = self.router.ResolveId(commentId)
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.UpdateComment(commentId, body)
	})
	if err != nil {
		return err
	}
	result, err := self.api.UpdateComment(ctx, commentId, body)
	var change *Change
	if err == nil {
		change = threadChanges(result.Data)[0]
		change.Kind = ChangeCommentUpdated
	}
	return self.settle(op, change, err)
}

func (self *Client) EditReply(ctx context.Context, replyId Id, body string) error {
	replyId = self.router.ResolveId(replyId)
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.UpdateReply(replyId, body)
	})
	if err != nil {
		return err
	}
	result, err := self.api.UpdateReply(ctx, replyId, body)
	var change *Change
	if err == nil {
		change = replyChange(result.Data, ChangeReplyUpdated)
	}
	return self.settle(op, change, err)
}

func (self *Client) DeleteComment(ctx context.Context, commentId Id) error {
	commentId = self.router.ResolveId(commentId)
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.DeleteComment(commentId)
	})
	if err != nil {
		return err
	}
	result, err := self.api.DeleteComment(ctx, commentId)
	var change *Change
	if err == nil {
		change = deleteChange(ChangeCommentDeleted, result)
	}
	return self.settle(op, change, err)
}

func (self *Client) DeleteReply(ctx context.Context, replyId Id) error {
	replyId = self.router.ResolveId(replyId)
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.DeleteReply(replyId)
	})
	if err != nil {
		return err
	}
	result, err := self.api.DeleteReply(ctx, replyId)
	var change *Change
	if err == nil {
		change = deleteChange(ChangeReplyDeleted, result)
	}
	return self.settle(op, change, err)
}

func deleteChange(kind ChangeKind, result *ApiResult[*DeleteResult]) *Change {
	serverTime := result.Data.DeletedAt
	if serverTime.IsZero() {
		serverTime = result.ServerTime
	}
	return &Change{
		Source:     ChangeSourceRest,
		Kind:       kind,
		ServerTime: serverTime,
		TargetId:   result.Data.Id,
		ParentId:   result.Data.ParentId,
	}
}

// toggles the current user's like. A dislike becomes a like in one step.
func (self *Client) Like(ctx context.Context, targetId Id) error {
	return self.toggle(ctx, targetId, LikeTypeLike)
}

// toggles the current user's dislike. A like becomes a dislike in one step.
func (self *Client) Dislike(ctx context.Context, targetId Id) error {
	return self.toggle(ctx, targetId, LikeTypeDislike)
}

func (self *Client) ClearLike(ctx context.Context, targetId Id) error {
	return self.setLike(ctx, targetId, LikeTypeNone, LikeOpClear)
}

func (self *Client) toggle(ctx context.Context, targetId Id, likeType LikeType) error {
	targetId = self.router.ResolveId(targetId)
	record, _ := self.store.LikeRecord(targetId)
	if record.Type == likeType {
		return self.setLike(ctx, targetId, LikeTypeNone, LikeOpClear)
	}
	return self.setLike(ctx, targetId, likeType, LikeOpSet)
}

func (self *Client) setLike(ctx context.Context, targetId Id, likeType LikeType, likeOp LikeOp) error {
	op, err := self.optimistic(func() (*PendingOperation, error) {
		return self.coordinator.Like(targetId, likeType, likeOp)
	})
	if err != nil {
		return err
	}
	result, err := self.api.Like(ctx, op.TargetKind, targetId, likeType, likeOp)
	var change *Change
	if err == nil {
		at := result.Data.At
		if at.IsZero() {
			at = result.ServerTime
		}
		change = &Change{
			Source:     ChangeSourceRest,
			Kind:       ChangeLike,
			ServerTime: at,
			Like: &LikeDelta{
				TargetId:   targetId,
				TargetKind: op.TargetKind,
				UserId:     self.store.SelfId(),
				Type:       likeType,
				Op:         likeOp,
				Counts:     result.Data.Counts,
				At:         at,
			},
		}
		if result.Data.Status != nil {
			// the server's record wins over the requested one
			change.Like.Type = result.Data.Status.Type()
			change.Like.Op = LikeOpSet
			if change.Like.Type == LikeTypeNone {
				change.Like.Op = LikeOpClear
			}
		}
	}
	return self.settle(op, change, err)
}
