package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// pageSize bounds one ListDeliveries call during export.
const pageSize = 500

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version     string     `json:"version"`
	Type        string     `json:"type"`
	Timestamp   time.Time  `json:"timestamp"`
	Since       *time.Time `json:"since,omitempty"`
	RecordCount int        `json:"record_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Summary describes one export.
type Summary struct {
	Count  int
	Latest time.Time // greatest UpdatedAt among exported records
}

// ExportJSONL writes every terminal delivery record updated after since
// (all of them when since is nil) as JSONL to w.
func ExportJSONL(ctx context.Context, s store.Store, since *time.Time, now time.Time, w io.Writer) (Summary, error) {
	var recs []*model.DeliveryRecord
	for offset := 0; ; offset += pageSize {
		page, err := s.ListDeliveries(ctx, model.DeliveryFilter{
			Status:       []model.DeliveryStatus{model.DeliveryDelivered, model.DeliveryDead},
			UpdatedAfter: since,
			Limit:        pageSize,
			Offset:       offset,
		})
		if err != nil {
			return Summary{}, fmt.Errorf("list deliveries: %w", err)
		}
		recs = append(recs, page...)
		if len(page) < pageSize {
			break
		}
	}

	var sum Summary
	sum.Count = len(recs)
	for _, r := range recs {
		if r.UpdatedAt.After(sum.Latest) {
			sum.Latest = r.UpdatedAt
		}
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:     "1",
		Type:        "header",
		Timestamp:   now,
		Since:       since,
		RecordCount: len(recs),
	}); err != nil {
		return Summary{}, fmt.Errorf("encode header: %w", err)
	}

	for _, r := range recs {
		if err := enc.Encode(record{Type: "delivery", Data: r}); err != nil {
			return Summary{}, fmt.Errorf("encode delivery %s: %w", r.Key(), err)
		}
	}
	return sum, nil
}
