// Package episodeevent provides types for dramanotify notification payloads.
// The same Detail structure is written to the file sink (NDJSON) and sent as
// the EventBridge event detail, so downstream Lambda consumers can unmarshal
// events with:
//
//	func handler(ctx context.Context, event episodeevent.Event) error {
//	    fmt.Println(event.Detail.Subject)
//	}
package episodeevent

import "time"

// DetailTypeEpisodeAdded is the EventBridge detail-type for a newly observed row.
const DetailTypeEpisodeAdded = "Episode Added"

// Event represents the full EventBridge event from dramanotify.
type Event struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	AccountID  string    `json:"account"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail is the event detail payload for one newly observed episode.
type Detail struct {
	Subject        string    `json:"subject"`
	User           string    `json:"user"`
	SheetTitle     string    `json:"sheetTitle"`
	WorksheetTitle string    `json:"worksheetTitle,omitempty"`
	Episode        *Episode  `json:"episode"`
	ObservedAt     time.Time `json:"observedAt"`
}

// Episode represents one sheet row identified as an episode.
type Episode struct {
	Key     string `json:"key"`
	Title   string `json:"title,omitempty"`
	Episode string `json:"episode,omitempty"`
	Link    string `json:"link,omitempty"`
	Row     int    `json:"row"`
}
