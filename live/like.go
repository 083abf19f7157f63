package live

import (
	"errors"
	"time"
)

const selfLikeHistoryLength = 8

var ErrMissingCounts = errors.New("Like change for another user without totals.")

// a like change on one target. `UserId` empty means the current user.
type LikeDelta struct {
	TargetId   Id         `json:"targetId"`
	TargetKind TargetKind `json:"targetType"`
	UserId     Id         `json:"userId,omitempty"`
	Type       LikeType   `json:"type"`
	Op         LikeOp     `json:"op"`
	// server totals after the change
	Counts *LikeCounts `json:"counts,omitempty"`
	// server time. Zero for a local optimistic change.
	At time.Time `json:"timestamp"`
}

func (self *LikeDelta) ResultType() LikeType {
	switch self.Op {
	case LikeOpSet:
		return self.Type
	default:
		return LikeTypeNone
	}
}

// the current user's like record on a target
type LikeRecord struct {
	Type LikeType
	At   time.Time
	// a local change that is not part of any server total yet
	Pending bool
}

// Counts are derived from records, never incremented:
// counts = (newest server total) - (the current user's record at the total's time) + (the current user's record now).
// The total is replaced wholesale by a newer server total.
// The current user's confirmed records are kept in a short history ordered by server time
// so that the user's share of any total is known even when changes arrive out of order.
type likeLedger struct {
	self LikeRecord
	// confirmed records ordered by `At`
	selfHistory []LikeRecord

	total   LikeCounts
	totalAt time.Time
}

func newLikeLedger() *likeLedger {
	return &likeLedger{
		selfHistory: []LikeRecord{},
	}
}

func (self *likeLedger) counts() LikeCounts {
	return self.total.Sub(self.selfTypeAt(self.totalAt)).Add(self.self.Type)
}

func (self *likeLedger) status() LikeStatus {
	return LikeStatusOf(self.self.Type)
}

func (self *likeLedger) lastConfirmed() (LikeRecord, bool) {
	if n := len(self.selfHistory); 0 < n {
		return self.selfHistory[n-1], true
	}
	return LikeRecord{}, false
}

// the current user's record type at server time `at`
func (self *likeLedger) selfTypeAt(at time.Time) LikeType {
	likeType := LikeTypeNone
	for _, record := range self.selfHistory {
		if at.Before(record.At) {
			break
		}
		likeType = record.Type
	}
	return likeType
}

// local change. Replaces the displayed record only.
func (self *likeLedger) applyLocal(likeType LikeType) bool {
	changed := self.self.Type != likeType || !self.self.Pending
	self.self = LikeRecord{
		Type:    likeType,
		Pending: true,
	}
	return changed
}

// a server record for the current user. With `commit`, a pending local record is replaced.
// A record older than the newest confirmed record still enters the history,
// since it corrects the user's share of totals taken after it, but it is reported stale.
func (self *likeLedger) applySelf(likeType LikeType, at time.Time, commit bool) error {
	i := len(self.selfHistory)
	for 0 < i && at.Before(self.selfHistory[i-1].At) {
		i -= 1
	}
	if 0 < i && at.Equal(self.selfHistory[i-1].At) {
		// first arrival wins for equal server times
		if commit && self.self.Pending {
			self.self, _ = self.lastConfirmed()
		}
		return ErrDuplicate
	}
	stale := i < len(self.selfHistory)
	if stale && len(self.selfHistory) == selfLikeHistoryLength && i == 0 {
		return ErrStale
	}

	record := LikeRecord{
		Type: likeType,
		At:   at,
	}
	self.selfHistory = append(self.selfHistory, LikeRecord{})
	copy(self.selfHistory[i+1:], self.selfHistory[i:])
	self.selfHistory[i] = record
	if selfLikeHistoryLength < len(self.selfHistory) {
		self.selfHistory = self.selfHistory[len(self.selfHistory)-selfLikeHistoryLength:]
	}

	if commit || !self.self.Pending {
		self.self, _ = self.lastConfirmed()
	}
	if stale {
		return ErrStale
	}
	return nil
}

func (self *likeLedger) rebaseTotal(counts LikeCounts, at time.Time) error {
	if !self.totalAt.IsZero() {
		if at.Before(self.totalAt) {
			return ErrStale
		}
		if at.Equal(self.totalAt) {
			return ErrDuplicate
		}
	}
	self.total = counts
	self.totalAt = at
	return nil
}

// rolls a pending record back to the last confirmed record, or to `previous` when nothing was confirmed
func (self *likeLedger) restore(previous LikeRecord) {
	if confirmed, ok := self.lastConfirmed(); ok && !confirmed.At.Before(previous.At) {
		self.self = confirmed
	} else {
		self.self = previous
	}
	self.self.Pending = false
}
