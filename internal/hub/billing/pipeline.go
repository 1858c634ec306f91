// Package billing turns shard results into reports, credit debits and
// progress events. The reports.shard_id uniqueness constraint is the
// idempotency anchor: the first delivery for a shard wins the debit,
// redeliveries are no-ops.
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/msgcodec"
	"github.com/fleetsend/fleetsend/internal/hub/progress"
	"github.com/fleetsend/fleetsend/internal/hub/rates"
	"github.com/fleetsend/fleetsend/internal/hub/store"
	"github.com/fleetsend/fleetsend/internal/hub/subhub"
	"github.com/fleetsend/fleetsend/internal/metrics"
)

// progressTTL bounds the cached task progress snapshot.
const progressTTL = 30 * time.Second

// Result is one shard outcome reported by a worker.
type Result struct {
	ShardID  string
	TaskID   string
	ServerID string
	UserID   string
	TraceID  string
	Success  int
	Fail     int
	Detail   json.RawMessage
}

// Pipeline processes shard results.
type Pipeline struct {
	DB       *sql.DB
	Hub      *subhub.Hub
	Cache    cache.Cache
	Resolver *rates.Resolver

	logger *slog.Logger
}

// New creates a Pipeline.
func New(db *sql.DB, hub *subhub.Hub, c cache.Cache, resolver *rates.Resolver) *Pipeline {
	return &Pipeline{
		DB:       db,
		Hub:      hub,
		Cache:    c,
		Resolver: resolver,
		logger:   slog.With("component", "billing"),
	}
}

// HandleShardResult records one shard result. Report insert, shard
// finalization, credit debit, usage append and task aggregation all
// commit in a single transaction; events are emitted after commit.
// The returned bool reports whether this delivery won the debit.
func (p *Pipeline) HandleShardResult(ctx context.Context, r Result) (bool, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	q := store.New(tx)

	shard, err := q.GetShard(ctx, r.ShardID)
	if err != nil {
		return false, fmt.Errorf("get shard %s: %w", r.ShardID, err)
	}

	task, err := q.GetTask(ctx, shard.TaskID)
	if err != nil {
		return false, fmt.Errorf("get task %s: %w", shard.TaskID, err)
	}
	userID := r.UserID
	if userID == "" {
		userID = task.UserID
	}

	prices := p.Resolver.Resolve(ctx, q, userID)
	amount := float64(r.Success)*prices.Send + float64(r.Fail)*prices.Fail

	var detail []byte
	if len(r.Detail) > 0 {
		detail = msgcodec.Compress(r.Detail)
	}

	inserted, err := q.InsertReport(ctx, store.InsertReportParams{
		ShardID:  r.ShardID,
		ServerID: r.ServerID,
		UserID:   userID,
		Success:  r.Success,
		Fail:     r.Fail,
		Credits:  amount,
		Detail:   detail,
	})
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}

	var newCredits float64
	var usageEntry store.UsageEntry
	if inserted {
		result, err := json.Marshal(map[string]int{
			"success": r.Success, "fail": r.Fail, "sent": r.Success + r.Fail,
		})
		if err != nil {
			return false, err
		}
		if err := q.MarkShardDone(ctx, r.ShardID, string(result)); err != nil {
			return false, fmt.Errorf("mark shard done: %w", err)
		}

		ud, err := q.GetUserData(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("get user data: %w", err)
		}
		newCredits = ud.Credits - amount
		if newCredits < 0 {
			newCredits = 0
		}
		usageEntry = store.UsageEntry{
			Action:     "deduct",
			Sid:        r.ServerID,
			Shard:      r.ShardID,
			Success:    r.Success,
			Fail:       r.Fail,
			Sent:       r.Success + r.Fail,
			Credits:    amount,
			Amount:     amount,
			OldCredits: ud.Credits,
			NewCredits: newCredits,
			TS:         time.Now().UTC().Format(time.RFC3339),
		}
		usageJSON, err := appendUsage(ud.Usage, usageEntry)
		if err != nil {
			return false, fmt.Errorf("append usage: %w", err)
		}
		if err := q.UpdateUserCreditsUsage(ctx, userID, newCredits, usageJSON); err != nil {
			return false, fmt.Errorf("update credits: %w", err)
		}
	} else {
		// Redelivery: keep the winning report's result on the shard.
		rep, err := q.GetReportByShard(ctx, r.ShardID)
		if err != nil {
			return false, fmt.Errorf("get existing report: %w", err)
		}
		result, err := json.Marshal(map[string]int{
			"success": rep.Success, "fail": rep.Fail, "sent": rep.Sent,
		})
		if err != nil {
			return false, err
		}
		if err := q.MarkShardDone(ctx, r.ShardID, string(result)); err != nil {
			return false, fmt.Errorf("mark shard done: %w", err)
		}
	}

	counts, err := q.TaskShardCounts(ctx, shard.TaskID)
	if err != nil {
		return false, fmt.Errorf("shard counts: %w", err)
	}
	if counts.Total > 0 && counts.Done == counts.Total {
		if err := q.MarkTaskDone(ctx, shard.TaskID); err != nil {
			return false, fmt.Errorf("mark task done: %w", err)
		}
	}

	update, err := progress.Snapshot(ctx, q, shard.TaskID)
	if err != nil {
		return false, err
	}
	if r.TraceID != "" {
		update.TraceID = r.TraceID
	}
	if inserted {
		update.Credits = &newCredits
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	p.emit(ctx, task.UserID, userID, update, inserted, newCredits, usageEntry)

	metrics.ShardResultsTotal.WithLabelValues(fmt.Sprint(inserted)).Inc()
	if inserted {
		metrics.CreditsDebitedTotal.Add(amount)
	}
	return inserted, nil
}

// emit runs outside the transaction; event order to any one
// subscriber matches commit order because results commit one at a
// time per shard.
func (p *Pipeline) emit(ctx context.Context, ownerID, billedUserID string, u progress.Update, deducted bool, newCredits float64, entry store.UsageEntry) {
	if payload, err := json.Marshal(u); err == nil {
		p.Cache.SetTaskProgress(ctx, u.TaskID, payload, progressTTL)
	}

	p.Hub.BroadcastTaskUpdate(ownerID, u)

	if deducted {
		p.Hub.BroadcastToUser(billedUserID, map[string]any{
			"type":    "balance_update",
			"user_id": billedUserID,
			"credits": newCredits,
		})
		p.Hub.BroadcastToUser(billedUserID, map[string]any{
			"type":    "usage_update",
			"user_id": billedUserID,
			"entry":   entry,
		})
	}
}

// appendUsage appends one entry to the stored usage list without
// disturbing existing entries of other shapes.
func appendUsage(usageJSON string, entry store.UsageEntry) (string, error) {
	var entries []json.RawMessage
	if usageJSON != "" {
		if err := json.Unmarshal([]byte(usageJSON), &entries); err != nil {
			return "", err
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	entries = append(entries, raw)
	out, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
