package dramanotify

import (
	"strings"
)

// EpisodeRecord is one data row of a worksheet, identified by a stable key
// derived from its title and episode columns. Rows whose header maps neither
// column fall back to the joined raw cells as the key.
type EpisodeRecord struct {
	Row     int      `json:"row"` // 1-based sheet row index, header included
	Title   string   `json:"title,omitempty"`
	Episode string   `json:"episode,omitempty"`
	Link    string   `json:"link,omitempty"`
	Cells   []string `json:"cells,omitempty"`
}

// Key returns the stable identifier used for diffing against SeenState.
func (r EpisodeRecord) Key() string {
	title := strings.ToLower(strings.TrimSpace(r.Title))
	episode := strings.TrimSpace(r.Episode)
	if title == "" && episode == "" {
		return strings.ToLower(strings.Join(trimAll(r.Cells), "|"))
	}
	return title + "#" + episode
}

// column aliases tolerate the header spellings seen in real sheets,
// including the Polish column names of the original spreadsheets.
var columnAliases = map[string][]string{
	"title":   {"title", "name", "nazwa", "tytuł", "tytul"},
	"episode": {"episode", "ep", "number", "episode_number", "odcinek", "nowy_odcinek"},
	"link":    {"link", "url"},
}

type headerMapping map[string]int

// mapHeader resolves canonical column names to 0-based indexes.
// Unknown columns are ignored; missing canonical columns are simply absent.
func mapHeader(header []string) headerMapping {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = strings.ToLower(strings.TrimSpace(h))
	}
	mapping := make(headerMapping, len(columnAliases))
	for canon, aliases := range columnAliases {
		for _, alias := range aliases {
			for i, h := range norm {
				if h == alias {
					mapping[canon] = i
					break
				}
			}
			if _, ok := mapping[canon]; ok {
				break
			}
		}
	}
	return mapping
}

func (m headerMapping) get(row []string, canon string) string {
	idx, ok := m[canon]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// ParseRecords maps raw worksheet values (header row first) to records.
// Blank rows are skipped; row indexes count from 1 including the header, so
// the first data row is row 2, matching what the sheet UI shows.
func ParseRecords(values [][]string) []EpisodeRecord {
	if len(values) == 0 {
		return nil
	}
	mapping := mapHeader(values[0])
	records := make([]EpisodeRecord, 0, len(values)-1)
	for i, row := range values[1:] {
		if isBlankRow(row) {
			continue
		}
		records = append(records, EpisodeRecord{
			Row:     i + 2,
			Title:   mapping.get(row, "title"),
			Episode: mapping.get(row, "episode"),
			Link:    mapping.get(row, "link"),
			Cells:   trimAll(row),
		})
	}
	return records
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func trimAll(cells []string) []string {
	return Map(cells, strings.TrimSpace)
}
