// Package community awards points for forum activity.
//
// The forum publishes a post-created event; AwardPost credits the author
// once per post. Delivery is at least once, so the post id is the
// idempotency key of the entry and a replay changes nothing.
package community

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
)

// DefaultPostPoints is the award for a forum post when none is configured.
const DefaultPostPoints int64 = 10

// PostEvent is the payload of the forum's post-created trigger.
type PostEvent struct {
	PostID   string
	AuthorID ledger.AccountID
	Title    string
}

type Outcome struct {
	Entry          *ledger.Entry
	Balance        int64
	AlreadyAwarded bool
	Disabled       bool
}

// AwardKey is the idempotency key of the forum_post_reward entry of a post.
func AwardKey(postID string) string {
	return "forum_post_reward:" + postID
}

type Service struct {
	Transactor *ledger.Transactor
	Ledger     *ledger.Ledger
	Points     int64
	Publisher  events.Publisher
	Logger     *slog.Logger
}

// NewService returns the award service. points == 0 disables awards.
func NewService(l *ledger.Ledger, points int64, publisher events.Publisher, logger *slog.Logger) *Service {
	if points < 0 {
		points = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Transactor: l.Transactor,
		Ledger:     l,
		Points:     points,
		Publisher:  publisher,
		Logger:     logger.With("component", "community"),
	}
}

// AwardPost credits the author of a new forum post.
func (s *Service) AwardPost(ctx context.Context, ev PostEvent) (Outcome, error) {
	const op = "awardForumPost"

	if strings.TrimSpace(ev.PostID) == "" {
		return Outcome{}, ledger.InvalidArgument("postId is required")
	}
	if strings.TrimSpace(string(ev.AuthorID)) == "" {
		return Outcome{}, ledger.InvalidArgument("authorId is required")
	}
	if s.Points == 0 {
		return Outcome{Disabled: true}, nil
	}

	key := AwardKey(ev.PostID)
	var out Outcome
	err := s.Transactor.Run(ctx, op, func(tx ledger.Tx) error {
		out = Outcome{}

		exists, err := tx.EntryExists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			out.AlreadyAwarded = true
			return nil
		}

		if _, err := tx.GetAccount(ctx, ev.AuthorID); errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.NotFound(err, "author account %s not found", ev.AuthorID)
		} else if err != nil {
			return err
		}

		description := "Forum post reward"
		if t := strings.TrimSpace(ev.Title); t != "" {
			description += ": " + t
		}
		acct, entry, err := s.Ledger.Post(ctx, tx, ledger.Posting{
			AccountID:      ev.AuthorID,
			Kind:           ledger.KindForumPostReward,
			Delta:          s.Points,
			Description:    description,
			RelatedID:      ev.PostID,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		out.Entry = &entry
		out.Balance = acct.Balance
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return Outcome{AlreadyAwarded: true}, nil
	}
	if err != nil {
		return Outcome{}, ledger.Classify(ctx, s.Logger, op, err)
	}

	if out.AlreadyAwarded {
		s.Logger.DebugContext(ctx, "forum post already awarded", "post_id", ev.PostID)
		return out, nil
	}
	s.Logger.InfoContext(ctx, "forum post awarded",
		"post_id", ev.PostID, "author_id", ev.AuthorID, "points", s.Points, "balance", out.Balance)
	events.Emit(ctx, s.Publisher, s.Logger, events.EntryPosted(*out.Entry, out.Balance))
	return out, nil
}
