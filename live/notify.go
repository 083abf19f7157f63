package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

// The notification widget collaborator. The engine only triggers it.
type Notifier interface {
	ShowSuccess(title string, message string)
	ShowError(title string, message string)
	ShowInfo(title string, message string)
}

type DispatcherSettings struct {
	// signals for the same entity and kind inside the window are shown once
	CoalesceWindow time.Duration
	// longer bodies are cut in messages
	PreviewLength int
}

func DefaultDispatcherSettings() *DispatcherSettings {
	return &DispatcherSettings{
		CoalesceWindow: 1 * time.Second,
		PreviewLength:  64,
	}
}

// Maps reconciliation outcomes and connection transitions to at most one notifier call per logical event.
type Dispatcher struct {
	clock    Clock
	notifier Notifier
	store    *EntityStore
	settings *DispatcherSettings

	// key -> clock time of the last signal
	recent *ttlcache.Cache[string, time.Time]

	stateLock sync.Mutex
	lastState ConnectionState
}

func NewDispatcherWithDefaults(ctx context.Context, clock Clock, notifier Notifier, store *EntityStore) *Dispatcher {
	return NewDispatcher(ctx, clock, notifier, store, DefaultDispatcherSettings())
}

func NewDispatcher(
	ctx context.Context,
	clock Clock,
	notifier Notifier,
	store *EntityStore,
	settings *DispatcherSettings,
) *Dispatcher {
	recent := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](settings.CoalesceWindow),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go recent.Start()
	go func() {
		<-ctx.Done()
		recent.Stop()
	}()

	return &Dispatcher{
		clock:     clock,
		notifier:  notifier,
		store:     store,
		settings:  settings,
		recent:    recent,
		lastState: ConnectionStateDisconnected,
	}
}

// returns false if a signal with the same key was shown inside the window
func (self *Dispatcher) claim(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := self.clock.Now()
	if item := self.recent.Get(key); item != nil {
		if now.Sub(item.Value()) < self.settings.CoalesceWindow {
			glog.V(2).Infof("[n]coalesce %s\n", key)
			return false
		}
	}
	self.recent.Set(key, now, ttlcache.DefaultTTL)
	return true
}

func (self *Dispatcher) show(show func(string, string), key string, title string, message string) {
	if key != "" && !self.claim(key) {
		return
	}
	HandleError(func() {
		show(title, message)
	})
}

func (self *Dispatcher) preview(body string) string {
	runes := []rune(body)
	if len(runes) <= self.settings.PreviewLength {
		return body
	}
	return string(runes[:self.settings.PreviewLength]) + "..."
}

// Stale, duplicate and buffered outcomes are silent.
// Changes from rest loads and the current user's own push echoes are silent.
func (self *Dispatcher) Outcome(outcome *Outcome) {
	change := outcome.Change
	switch outcome.Status {
	case OutcomeConfirmed:
		op := outcome.Operation
		if op == nil {
			return
		}
		var title string
		switch op.Kind {
		case OperationKindCreate:
			title = fmt.Sprintf("%s posted", targetTitle(op.TargetKind))
		case OperationKindUpdate:
			title = fmt.Sprintf("%s saved", targetTitle(op.TargetKind))
		case OperationKindDelete:
			title = fmt.Sprintf("%s deleted", targetTitle(op.TargetKind))
		default:
			// likes are visible in the counts
			return
		}
		self.show(self.notifier.ShowSuccess, fmt.Sprintf("confirm/%s", op.LocalId), title, "")
	case OutcomeApplied:
		if change.Source != ChangeSourcePush {
			return
		}
		if actor := change.Actor(); !actor.IsEmpty() && actor == self.store.SelfId() {
			return
		}
		key := fmt.Sprintf("%s/%s", change.Kind, change.Target())
		switch change.Kind {
		case ChangeCommentCreated:
			self.show(self.notifier.ShowInfo, key, "New comment", self.preview(change.Comment.Body))
		case ChangeReplyCreated:
			self.show(self.notifier.ShowInfo, key, "New reply", self.preview(change.Reply.Body))
		case ChangeCommentUpdated:
			self.show(self.notifier.ShowInfo, key, "Comment edited", self.preview(change.Comment.Body))
		case ChangeReplyUpdated:
			self.show(self.notifier.ShowInfo, key, "Reply edited", self.preview(change.Reply.Body))
		case ChangeCommentDeleted:
			self.show(self.notifier.ShowInfo, key, "Comment removed", "")
		case ChangeReplyDeleted:
			self.show(self.notifier.ShowInfo, key, "Reply removed", "")
		case ChangeLike:
			// a burst of likes on one target is one signal
			targetKind := TargetKindComment
			if change.Like != nil {
				targetKind = change.Like.TargetKind
			}
			message := ""
			if view, ok := self.likeCounts(change.Target()); ok {
				message = fmt.Sprintf("%d likes, %d dislikes", view.Likes, view.Dislikes)
			}
			self.show(self.notifier.ShowInfo, key, fmt.Sprintf("%s likes changed", targetTitle(targetKind)), message)
		}
	case OutcomeExpired:
		if !change.IsUserVisible() {
			return
		}
		self.show(
			self.notifier.ShowInfo,
			fmt.Sprintf("expired/%s", change.Target()),
			"Could not load update",
			"Refresh to see the latest comments.",
		)
	case OutcomeDropped:
		if outcome.Err != nil {
			glog.Infof("[n]dropped %s = %s (%s)\n", change.Kind, change.Target(), outcome.Err)
		}
	}
}

func (self *Dispatcher) likeCounts(targetId Id) (LikeCounts, bool) {
	if comment, ok := self.store.Comment(targetId); ok {
		return comment.LikeCounts, true
	}
	if reply, ok := self.store.Reply(targetId); ok {
		return reply.LikeCounts, true
	}
	return LikeCounts{}, false
}

// emits only on change. Connecting is silent.
func (self *Dispatcher) ConnectionState(state ConnectionState, err error) {
	previous, changed := func() (ConnectionState, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		previous := self.lastState
		if previous == state {
			return previous, false
		}
		self.lastState = state
		return previous, true
	}()
	if !changed {
		return
	}

	switch state {
	case ConnectionStateConnected:
		if previous == ConnectionStateConnecting || previous == ConnectionStateReconnecting {
			self.show(self.notifier.ShowSuccess, "", "Live updates connected", "")
		}
	case ConnectionStateReconnecting:
		self.show(self.notifier.ShowInfo, "", "Reconnecting", "Live updates are paused.")
	case ConnectionStateError:
		message := "Live updates are unavailable."
		if err != nil {
			message = err.Error()
		}
		self.show(self.notifier.ShowError, "", "Connection error", message)
	case ConnectionStateDisconnected:
		self.show(self.notifier.ShowInfo, "", "Disconnected", "")
	}
}

// a local operation that the server rejected or never confirmed
func (self *Dispatcher) OperationFailed(op *PendingOperation, err error) {
	title := fmt.Sprintf("Could not %s %s", op.Kind, targetNoun(op.TargetKind))
	message := "The change was undone."
	if err != nil {
		message = err.Error()
	}
	self.show(self.notifier.ShowError, fmt.Sprintf("failed/%s", op.LocalId), title, message)
}

func (self *Dispatcher) SessionInvalidated() {
	self.show(self.notifier.ShowError, "session", "Session expired", "Sign in again to continue.")
}

// typing indicators and server notices
func (self *Dispatcher) Event(event *PushEvent) {
	switch {
	case event.Typing != nil:
		typing := event.Typing
		if !typing.IsTyping || typing.UserId == self.store.SelfId() {
			return
		}
		self.show(
			self.notifier.ShowInfo,
			fmt.Sprintf("typing/%s/%s", typing.CommentId, typing.UserId),
			"Typing",
			fmt.Sprintf("%s is typing", typing.UserId),
		)
	case event.Notice != nil:
		notice := event.Notice
		key := fmt.Sprintf("notice/%s/%s", notice.Title, notice.Message)
		switch notice.Level {
		case "error":
			self.show(self.notifier.ShowError, key, notice.Title, notice.Message)
		case "success":
			self.show(self.notifier.ShowSuccess, key, notice.Title, notice.Message)
		default:
			self.show(self.notifier.ShowInfo, key, notice.Title, notice.Message)
		}
	}
}

func targetTitle(targetKind TargetKind) string {
	switch targetKind {
	case TargetKindReply:
		return "Reply"
	default:
		return "Comment"
	}
}

func targetNoun(targetKind TargetKind) string {
	switch targetKind {
	case TargetKindReply:
		return "reply"
	default:
		return "comment"
	}
}

// writes signals to the log, for hosts without a notification widget
type LogNotifier struct {
	log LogFunction
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{
		log: LogFn(0, "notify"),
	}
}

func (self *LogNotifier) ShowSuccess(title string, message string) {
	self.log("[success]%s %s", title, message)
}

func (self *LogNotifier) ShowError(title string, message string) {
	self.log("[error]%s %s", title, message)
}

func (self *LogNotifier) ShowInfo(title string, message string) {
	self.log("[info]%s %s", title, message)
}
