package dramanotify

import (
	"fmt"

	"github.com/Songmu/flextime"
	"github.com/growdelan/dramanotify/pkg/episodeevent"
)

// ConvertRecord converts a sheet record to the notification payload episode.
func ConvertRecord(r EpisodeRecord) *episodeevent.Episode {
	return &episodeevent.Episode{
		Key:     r.Key(),
		Title:   r.Title,
		Episode: r.Episode,
		Link:    r.Link,
		Row:     r.Row,
	}
}

// ConvertToDetail builds the event detail for one newly observed episode,
// with a human readable Subject.
func ConvertToDetail(cfg *UserConfig, r EpisodeRecord) *episodeevent.Detail {
	detail := &episodeevent.Detail{
		User:           cfg.StateKey(),
		SheetTitle:     cfg.SheetTitle,
		WorksheetTitle: cfg.WorksheetTitle,
		Episode:        ConvertRecord(r),
		ObservedAt:     flextime.Now(),
	}
	switch {
	case r.Title != "" && r.Episode != "":
		detail.Subject = fmt.Sprintf("New episode %s of %s (row %d)", r.Episode, r.Title, r.Row)
	case r.Title != "":
		detail.Subject = fmt.Sprintf("New entry %s (row %d)", r.Title, r.Row)
	default:
		detail.Subject = fmt.Sprintf("New row %d in %s", r.Row, cfg.SheetTitle)
	}
	return detail
}

// ConvertAll converts records preserving sheet order.
func ConvertAll(cfg *UserConfig, records []EpisodeRecord) []*episodeevent.Detail {
	return Map(records, func(r EpisodeRecord) *episodeevent.Detail {
		return ConvertToDetail(cfg, r)
	})
}
