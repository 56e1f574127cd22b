// Package publisher drains a succeeded delta job's result pages onto the
// change stream.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/metrics"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/stream"
)

// ErrPublishIncomplete is returned when pagination or emission was
// interrupted. The workflow must not mark the version SUCCEEDED; the
// publish step is retried as a whole, never resumed mid-page.
var ErrPublishIncomplete = errors.New("publish incomplete")

// Publisher turns delta job results into stream records.
type Publisher struct {
	qe  engine.QueryEngine
	out stream.Publisher
	log *slog.Logger
}

// New creates a publisher.
func New(qe engine.QueryEngine, out stream.Publisher) *Publisher {
	return &Publisher{
		qe:  qe,
		out: out,
		log: slog.With("component", "publisher"),
	}
}

// Publish pages through the job's change records in order and emits one
// stream record per row with partition key = datasetID. All pages are
// exhausted before returning; the total emitted count is returned for
// observability.
func (p *Publisher) Publish(ctx context.Context, datasetID, jobID string) (int, error) {
	log := p.log.With("dataset_id", datasetID, "job_id", jobID)
	startTime := time.Now()

	published := 0
	token := ""

	for {
		records, next, err := p.qe.Results(ctx, jobID, token)
		if err != nil {
			return published, fmt.Errorf("%w: fetch page after %d records: %v",
				ErrPublishIncomplete, published, err)
		}

		for _, rec := range records {
			if err := ValidateRecord(rec); err != nil {
				return published, fmt.Errorf("%w: record %q: %v",
					ErrPublishIncomplete, rec.Key, err)
			}

			payload, err := json.Marshal(rec)
			if err != nil {
				return published, fmt.Errorf("%w: marshal record %q: %v",
					ErrPublishIncomplete, rec.Key, err)
			}

			err = p.out.Publish(ctx, stream.Record{
				PartitionKey: datasetID,
				Payload:      payload,
			})
			if err != nil {
				return published, fmt.Errorf("%w: emit record %q after %d records: %v",
					ErrPublishIncomplete, rec.Key, published, err)
			}
			published++

			if m := metrics.Get(); m != nil {
				m.AddRecordsPublished(datasetID, string(rec.Op), 1)
			}
		}

		if next == "" {
			break
		}
		token = next
	}

	elapsed := time.Since(startTime)
	if m := metrics.Get(); m != nil {
		m.ObservePublishDuration(datasetID, elapsed.Seconds())
	}
	log.Info("published delta", "records", published, "duration", elapsed.String())

	return published, nil
}
