package pipeline

import (
	"context"
	"time"
)

// ResumeSource is the slice of the Vector Store Facade resumption decisions
// read from: the collection's size and its most recent indexed timestamp.
type ResumeSource interface {
	Count(ctx context.Context, serverID string) (int64, error)
	LatestIndexedTimestamp(ctx context.Context, serverID string) (time.Time, bool, error)
}

// ResumeState is the resumption decision for one server, computed fresh at
// startup from the Vector Store Facade rather than a separate bookkeeping
// table: the facade's count and latest-timestamp queries are already the
// authoritative record of what has been indexed, so duplicating them into a
// second table would only risk drifting out of sync with it.
type ResumeState struct {
	ServerID      string
	MessageCount  int64
	NeedsFullScan bool
	ResumeAfter   time.Time
}

// ResolveResumeState computes the (needs_full_scan, resume_after_ts) pair
// for serverID per spec §4.2's resumption policy: a full scan is required
// when the collection is absent, empty, or has no parseable timestamp;
// otherwise processing resumes strictly after the max timestamp.
func ResolveResumeState(ctx context.Context, store ResumeSource, serverID string) (ResumeState, error) {
	count, err := store.Count(ctx, serverID)
	if err != nil {
		return ResumeState{}, err
	}
	if count == 0 {
		return ResumeState{ServerID: serverID, NeedsFullScan: true}, nil
	}

	latest, ok, err := store.LatestIndexedTimestamp(ctx, serverID)
	if err != nil {
		return ResumeState{}, err
	}
	if !ok {
		return ResumeState{ServerID: serverID, MessageCount: count, NeedsFullScan: true}, nil
	}

	return ResumeState{
		ServerID:      serverID,
		MessageCount:  count,
		NeedsFullScan: false,
		ResumeAfter:   latest,
	}, nil
}
