package canonmap

import (
	"context"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/logging"
)

// defaultReplayPageSize bounds how many canonization records one store
// round-trip loads. Replay never materializes the whole range.
const defaultReplayPageSize = 100

// ReplayOptions select the range of canonization records to re-emit.
// AfterSeq restarts an interrupted replay from where it left off.
type ReplayOptions struct {
	From     utc.Time
	To       utc.Time
	AfterSeq uint64
	PageSize int
}

// ReplayReport summarizes one replay run. LastSeq feeds the AfterSeq of a
// follow-up run.
type ReplayReport struct {
	Replayed int    `json:"replayed"`
	Skipped  int    `json:"skipped"`
	LastSeq  uint64 `json:"last_seq"`
}

// Replay re-emits persisted canonization records in original completion
// order. Only Projection and Distribution run per record: identities are
// never re-resolved and footprints never re-merged, so replay is safe
// against live state. Records without a completed outcome, and records
// whose identity has since been administratively rebound away, are skipped
// and counted.
func (c *canonmap) Replay(ctx context.Context, opts ReplayOptions) (*ReplayReport, error) {
	ctx = c.callContext(ctx)
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultReplayPageSize
	}

	report := &ReplayReport{LastSeq: opts.AfterSeq}
	for {
		recs, err := c.orchestrator.Audit().Page(ctx, opts.From, opts.To, report.LastSeq, pageSize)
		if err != nil {
			return report, err
		}
		if len(recs) == 0 {
			return report, nil
		}

		for _, rec := range recs {
			if ctx.Err() != nil {
				return report, errors.ErrCanceled
			}

			if rec.Outcome != canonical.OutcomeCompleted {
				report.Skipped++
				report.LastSeq = rec.Seq
				continue
			}

			if _, err := c.orchestrator.Redrive(ctx, rec); err != nil {
				if errors.IsNotFound(err) {
					logging.FromContext(ctx).Warn().
						Uint64("seq", rec.Seq).
						Str("identity", rec.Identity.String()).
						Msg("Replay skipping record, identity no longer assigned")
					report.Skipped++
					report.LastSeq = rec.Seq
					continue
				}
				return report, err
			}
			report.Replayed++
			report.LastSeq = rec.Seq
		}

		if len(recs) < pageSize {
			return report, nil
		}
	}
}
