package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/matterly/internal/clock"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	"go.uber.org/zap"
)

const (
	flushBatchSize        = 50
	defaultReconnectDelay = 2 * time.Second
)

// SyncReport summarizes one Flush. Interrupted is set when the flush
// stopped early on an error worth retrying later; the entries stay queued.
type SyncReport struct {
	Notices     []RebaseNotice `json:"notices"`
	Failures    []Failure      `json:"failures"`
	Remaining   int64          `json:"remaining"`
	Interrupted error          `json:"-"`
}

// Syncer replays the outbox against the server and rebases local matters
// onto the short ids the server committed.
type Syncer struct {
	store          *Store
	pool           *Pool
	remote         Remote
	clock          clock.Clock
	log            *zap.Logger
	reconnectDelay time.Duration
}

func NewSyncer(store *Store, pool *Pool, remote Remote, clk clock.Clock, log *zap.Logger) *Syncer {
	return &Syncer{
		store:          store,
		pool:           pool,
		remote:         remote,
		clock:          clk,
		log:            log.Named("offline.syncer"),
		reconnectDelay: defaultReconnectDelay,
	}
}

// Flush sends queued creates in creation order. A create the server
// refuses for good (permission, quota, bad input) marks the matter failed
// and is dropped from the queue. Anything transient stops the flush so
// later entries keep their order.
func (s *Syncer) Flush(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}
	for {
		entries, err := s.store.Outbox(ctx, flushBatchSize)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}

		for _, entry := range entries {
			var req matterdomain.CreateMatterRequest
			if err := json.Unmarshal(entry.Payload, &req); err != nil {
				return report, fmt.Errorf("decode outbox entry %s: %w", entry.MatterID, err)
			}

			result, err := s.remote.CreateMatter(ctx, req)
			if err == nil {
				notice, err := s.commit(ctx, entry, result.Matter)
				if err != nil {
					return report, err
				}
				if notice != nil {
					report.Notices = append(report.Notices, *notice)
				}
				continue
			}

			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if s.retryLater(err) {
				if markErr := s.store.MarkAttempt(ctx, entry.MatterID, err.Error(), s.clock.Now()); markErr != nil {
					return report, markErr
				}
				report.Interrupted = err
				report.Remaining, err = s.store.OutboxLen(ctx)
				return report, err
			}

			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				return report, err
			}
			failure, err := s.fail(ctx, entry, httpErr)
			if err != nil {
				return report, err
			}
			report.Failures = append(report.Failures, *failure)
		}
	}
}

func (s *Syncer) retryLater(err error) bool {
	if IsOffline(err) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary() || httpErr.StatusCode == http.StatusUnauthorized
	}
	return false
}

func (s *Syncer) commit(ctx context.Context, entry OutboxEntry, committed matterdomain.MatterResponse) (*RebaseNotice, error) {
	var notice *RebaseNotice
	err := s.store.Transaction(ctx, func(tx *Store) error {
		var err error
		notice, err = s.rebase(ctx, tx, entry.MatterID, committed.ShortID)
		if err != nil {
			return err
		}
		if err := tx.RemoveOutbox(ctx, entry.MatterID); err != nil {
			return err
		}
		return s.pool.WithStore(tx).Observe(ctx, entry.TeamID, committed.ShortID)
	})
	if err != nil {
		return nil, err
	}
	if notice != nil && notice.Reassigned {
		s.log.Info("matter reassigned", zap.String("matter_id", notice.MatterID), zap.String("notice", notice.String()))
	}
	return notice, nil
}

func (s *Syncer) fail(ctx context.Context, entry OutboxEntry, httpErr *HTTPError) (*Failure, error) {
	failure := &Failure{MatterID: entry.MatterID, Code: httpErr.Code, Message: httpErr.Message}
	err := s.store.Transaction(ctx, func(tx *Store) error {
		matter, err := tx.Matter(ctx, entry.MatterID)
		switch {
		case err == nil:
			matter.State = StateFailed
			matter.FailureCode = httpErr.Code
			matter.UpdatedAt = s.clock.Now()
			failure.Key = matter.Key()
			if err := tx.SaveMatter(ctx, matter); err != nil {
				return err
			}
		case !errors.Is(err, ErrMatterNotFound):
			return err
		}
		return tx.RemoveOutbox(ctx, entry.MatterID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("matter rejected by server",
		zap.String("matter_id", entry.MatterID),
		zap.Int("status", httpErr.StatusCode),
		zap.String("code", httpErr.Code),
	)
	return failure, nil
}

// rebase moves a local matter onto its committed short id. It returns nil
// when there is nothing new to tell the user.
func (s *Syncer) rebase(ctx context.Context, tx *Store, matterID string, shortID int64) (*RebaseNotice, error) {
	matter, err := tx.Matter(ctx, matterID)
	if err != nil {
		if errors.Is(err, ErrMatterNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if matter.State == StateCommitted && matter.ShortID == shortID {
		return nil, nil
	}

	now := s.clock.Now()
	previous := matter.ShortID
	matter.PreviousShortID = previous
	matter.ShortID = shortID
	matter.Reassigned = previous > 0 && previous != shortID
	matter.State = StateCommitted
	matter.FailureCode = ""
	matter.CommittedAt = &now
	matter.UpdatedAt = now
	if err := tx.SaveMatter(ctx, matter); err != nil {
		return nil, err
	}

	return &RebaseNotice{
		MatterID:        matter.ID,
		TeamCode:        matter.TeamCode,
		PreviousShortID: previous,
		ShortID:         shortID,
		Reassigned:      matter.Reassigned,
	}, nil
}

// Apply folds one stream event into the device store. Events for matters
// created elsewhere only move the pool past the committed id.
func (s *Syncer) Apply(ctx context.Context, event liveevents.Event) (*RebaseNotice, error) {
	var notice *RebaseNotice
	err := s.store.Transaction(ctx, func(tx *Store) error {
		switch event.Status {
		case liveevents.StatusDeleted:
			matter, err := tx.Matter(ctx, event.MatterID)
			if err != nil {
				if errors.Is(err, ErrMatterNotFound) {
					return nil
				}
				return err
			}
			matter.State = StateDeleted
			matter.UpdatedAt = s.clock.Now()
			return tx.SaveMatter(ctx, matter)
		case liveevents.StatusCommitted, liveevents.StatusReplayed:
			if event.ShortID <= 0 {
				return nil
			}
			var err error
			notice, err = s.rebase(ctx, tx, event.MatterID, event.ShortID)
			if err != nil {
				return err
			}
			// the server already has it; replaying would only echo back
			if notice != nil {
				if err := tx.RemoveOutbox(ctx, event.MatterID); err != nil {
					return err
				}
			}
			return s.pool.WithStore(tx).Observe(ctx, event.TeamID, event.ShortID)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return notice, nil
}

// Watch follows the team stream until ctx ends, reconnecting after drops.
// notify receives every rebase the stream causes.
func (s *Syncer) Watch(ctx context.Context, teamID string, notify func(RebaseNotice)) error {
	for {
		err := s.remote.Stream(ctx, teamID, func(event liveevents.Event) error {
			notice, err := s.Apply(ctx, event)
			if err != nil {
				return err
			}
			if notice != nil && notify != nil {
				notify(*notice)
			}
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Temporary() {
			return err
		}
		if err != nil && !IsOffline(err) && httpErr == nil {
			return err
		}

		s.log.Debug("team stream dropped, reconnecting", zap.String("team_id", teamID), zap.Error(err))
		if err := waitWithContext(ctx, s.reconnectDelay); err != nil {
			return nil
		}
	}
}
