package store

import "context"

// RunSummary is the global counters a run emits on exit, per spec.md §7's
// "A run summary records the global counters (videos_new_total etc.) read
// from KV state." It is marshaled once, at stage completion, as a single
// structured log line.
type RunSummary struct {
	WhitelistURL   string `json:"whitelist_url,omitempty"`
	WhitelistCount string `json:"whitelist_count,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	FinishedAt     string `json:"finished_at,omitempty"`
	VideosNewTotal string `json:"videos_new_total,omitempty"`
}

// summaryKeys lists every KV key folded into RunSummary, in the order
// they're most useful to read.
var summaryKeys = []string{
	"whitelist_url",
	"whitelist_count",
	"started_at",
	"finished_at",
	"videos_new_total",
}

// RunSummary reads the well-known run-level KV markers out of
// crawl_state. Missing keys are left as zero values rather than erroring:
// a stage that never set a counter (e.g. the health checker never touches
// videos_new_total) still produces a valid, partial summary.
func (s *Store) RunSummary(ctx context.Context) (RunSummary, error) {
	values := make(map[string]string, len(summaryKeys))
	for _, key := range summaryKeys {
		val, ok, err := s.GetState(ctx, key)
		if err != nil {
			return RunSummary{}, err
		}
		if ok {
			values[key] = val
		}
	}

	return RunSummary{
		WhitelistURL:   values["whitelist_url"],
		WhitelistCount: values["whitelist_count"],
		StartedAt:      values["started_at"],
		FinishedAt:     values["finished_at"],
		VideosNewTotal: values["videos_new_total"],
	}, nil
}
