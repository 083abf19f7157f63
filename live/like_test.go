package live

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLikeLedgerLocalOverTotal(t *testing.T) {
	store := NewEntityStore("u1")
	assert.Equal(t, store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0)), nil)

	// three likes from other users
	err := store.RebaseLikes("c1", LikeCounts{Likes: 3}, &LikeStatus{}, at(1))
	assert.Equal(t, err, nil)

	err = store.ApplyLikeDelta(&LikeDelta{
		TargetId:   "c1",
		TargetKind: TargetKindComment,
		Type:       LikeTypeLike,
		Op:         LikeOpSet,
	})
	assert.Equal(t, err, nil)
	comment, _ := store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 4})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasLiked: true})

	// another user's like does not include the local record
	err = store.ApplyLikeDelta(likeChange("c1", "u3", LikeTypeLike, LikeCounts{Likes: 4}, at(2)).Like)
	assert.Equal(t, err, nil)
	comment, _ = store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 5})

	// the server record includes the local record
	err = store.ConfirmLikeDelta(likeChange("c1", "u1", LikeTypeLike, LikeCounts{Likes: 5}, at(3)).Like)
	assert.Equal(t, err, nil)
	comment, _ = store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 5})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasLiked: true})

	record, _ := store.LikeRecord("c1")
	assert.Equal(t, record.Pending, false)
	assert.Equal(t, record.At, at(3))
}

func TestLikeLedgerServerRecordKeepsPendingLocal(t *testing.T) {
	store := NewEntityStore("u1")
	store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0))
	store.RebaseLikes("c1", LikeCounts{Likes: 1}, &LikeStatus{HasLiked: true}, at(1))

	store.ApplyLikeDelta(&LikeDelta{TargetId: "c1", Type: LikeTypeDislike, Op: LikeOpSet})

	// a newer record for the current user that does not answer the local change
	err := store.ApplyLikeDelta(likeChange("c1", "u1", LikeTypeLike, LikeCounts{Likes: 1}, at(2)).Like)
	assert.Equal(t, err, nil)
	comment, _ := store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Dislikes: 1})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasDisliked: true})
	record, _ := store.LikeRecord("c1")
	assert.Equal(t, record.Pending, true)

	err = store.ConfirmLikeDelta(likeChange("c1", "u1", LikeTypeDislike, LikeCounts{Dislikes: 1}, at(3)).Like)
	assert.Equal(t, err, nil)
	comment, _ = store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Dislikes: 1})
	record, _ = store.LikeRecord("c1")
	assert.Equal(t, record.Pending, false)
	assert.Equal(t, record.At, at(3))
}

func TestLikeLedgerToggle(t *testing.T) {
	store := NewEntityStore("u1")
	store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0))

	store.ApplyLikeDelta(likeChange("c1", "u1", LikeTypeLike, LikeCounts{Likes: 1}, at(1)).Like)
	comment, _ := store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 1})

	// like -> dislike is one change
	store.ApplyLikeDelta(likeChange("c1", "u1", LikeTypeDislike, LikeCounts{Dislikes: 1}, at(2)).Like)
	comment, _ = store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Dislikes: 1})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasDisliked: true})

	store.ApplyLikeDelta(likeChange("c1", "u1", LikeTypeNone, LikeCounts{}, at(3)).Like)
	comment, _ = store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{})
	assert.Equal(t, comment.LikeStatus, LikeStatus{})
}

func TestLikeLedgerDuplicateAndStale(t *testing.T) {
	store := NewEntityStore("u1")
	store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0))

	delta := likeChange("c1", "u2", LikeTypeLike, LikeCounts{Likes: 1}, at(2)).Like
	assert.Equal(t, store.ApplyLikeDelta(delta), nil)
	assert.Equal(t, errors.Is(store.ApplyLikeDelta(delta), ErrDuplicate), true)

	older := likeChange("c1", "u3", LikeTypeLike, LikeCounts{Likes: 7}, at(1)).Like
	assert.Equal(t, errors.Is(store.ApplyLikeDelta(older), ErrStale), true)

	comment, _ := store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 1})
}

func TestLikeLedgerMissingCounts(t *testing.T) {
	store := NewEntityStore("u1")
	store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0))

	delta := likeChange("c1", "u2", LikeTypeLike, LikeCounts{}, at(1)).Like
	delta.Counts = nil
	assert.Equal(t, errors.Is(store.ApplyLikeDelta(delta), ErrMissingCounts), true)

	assert.Equal(t, errors.Is(store.ApplyLikeDelta(likeChange("c9", "u2", LikeTypeLike, LikeCounts{}, at(1)).Like), ErrNotFound), true)
}

func TestLikeLedgerOutOfOrderConvergence(t *testing.T) {
	// each change carries the server totals after it
	changes := []*Change{
		likeChange("c1", "u2", LikeTypeLike, LikeCounts{Likes: 1}, at(1)),
		likeChange("c1", "u1", LikeTypeLike, LikeCounts{Likes: 2}, at(2)),
		likeChange("c1", "u3", LikeTypeDislike, LikeCounts{Likes: 2, Dislikes: 1}, at(3)),
		likeChange("c1", "u1", LikeTypeNone, LikeCounts{Likes: 1, Dislikes: 1}, at(4)),
		likeChange("c1", "u1", LikeTypeDislike, LikeCounts{Likes: 1, Dislikes: 2}, at(5)),
		likeChange("c1", "u2", LikeTypeNone, LikeCounts{Dislikes: 2}, at(6)),
	}

	r := mathrand.New(mathrand.NewSource(7))
	for i := 0; i < 64; i += 1 {
		store := NewEntityStore("u1")
		store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0))

		order := r.Perm(len(changes))
		for _, j := range order {
			store.ApplyLikeDelta(changes[j].Like)
		}
		// a replay of every change is a no-op
		for _, j := range order {
			store.ApplyLikeDelta(changes[j].Like)
		}

		comment, _ := store.Comment("c1")
		assert.Equal(t, comment.LikeCounts, LikeCounts{Dislikes: 2})
		assert.Equal(t, comment.LikeStatus, LikeStatus{HasDisliked: true})
	}
}

func TestLikeLedgerRestore(t *testing.T) {
	store := NewEntityStore("u1")
	store.UpsertComment(newTestComment("c1", "u2", "hi", at(0)), at(0))
	store.RebaseLikes("c1", LikeCounts{Likes: 2}, &LikeStatus{HasLiked: true}, at(1))

	previous, _ := store.LikeRecord("c1")
	store.ApplyLikeDelta(&LikeDelta{TargetId: "c1", Type: LikeTypeDislike, Op: LikeOpSet})
	comment, _ := store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 1, Dislikes: 1})

	store.RestoreLikeRecord("c1", previous)
	comment, _ = store.Comment("c1")
	assert.Equal(t, comment.LikeCounts, LikeCounts{Likes: 2})
	assert.Equal(t, comment.LikeStatus, LikeStatus{HasLiked: true})
}

func TestLikeLedgerHistoryBound(t *testing.T) {
	ledger := newLikeLedger()
	for i := 1; i <= 2*selfLikeHistoryLength; i += 1 {
		likeType := LikeTypeLike
		if i%2 == 0 {
			likeType = LikeTypeNone
		}
		assert.Equal(t, ledger.applySelf(likeType, at(i), false), nil)
	}
	assert.Equal(t, len(ledger.selfHistory), selfLikeHistoryLength)
	assert.Equal(t, ledger.self.At, at(2*selfLikeHistoryLength))

	// older than the whole history
	assert.Equal(t, ledger.applySelf(LikeTypeLike, at(0), false), ErrStale)
	// inside the history
	assert.Equal(t, ledger.applySelf(LikeTypeLike, at(2*selfLikeHistoryLength-1).Add(1), false), ErrStale)
	assert.Equal(t, ledger.self.At, at(2*selfLikeHistoryLength))
}
