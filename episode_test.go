package dramanotify_test

import (
	"testing"

	"github.com/growdelan/dramanotify"
	"github.com/stretchr/testify/require"
)

func TestParseRecords(t *testing.T) {
	cases := []struct {
		name     string
		values   [][]string
		expected []dramanotify.EpisodeRecord
	}{
		{
			name:     "no values",
			values:   [][]string{},
			expected: nil,
		},
		{
			name: "header only",
			values: [][]string{
				{"title", "episode", "link"},
			},
			expected: []dramanotify.EpisodeRecord{},
		},
		{
			name: "english header",
			values: [][]string{
				{"Title", "Episode", "Link"},
				{"Queen of Tears", "3", "https://example.com/qt/3"},
			},
			expected: []dramanotify.EpisodeRecord{
				{
					Row:     2,
					Title:   "Queen of Tears",
					Episode: "3",
					Link:    "https://example.com/qt/3",
					Cells:   []string{"Queen of Tears", "3", "https://example.com/qt/3"},
				},
			},
		},
		{
			name: "polish header",
			values: [][]string{
				{"Tytuł", "Odcinek", "Url"},
				{" Moving ", "7", ""},
			},
			expected: []dramanotify.EpisodeRecord{
				{
					Row:     2,
					Title:   "Moving",
					Episode: "7",
					Cells:   []string{"Moving", "7", ""},
				},
			},
		},
		{
			name: "blank rows are skipped but keep numbering",
			values: [][]string{
				{"title", "episode"},
				{"Moving", "1"},
				{"", ""},
				{"Moving", "2"},
			},
			expected: []dramanotify.EpisodeRecord{
				{Row: 2, Title: "Moving", Episode: "1", Cells: []string{"Moving", "1"}},
				{Row: 4, Title: "Moving", Episode: "2", Cells: []string{"Moving", "2"}},
			},
		},
		{
			name: "unmapped header keeps raw cells",
			values: [][]string{
				{"kolumna1", "kolumna2"},
				{"Moving", "7"},
			},
			expected: []dramanotify.EpisodeRecord{
				{Row: 2, Cells: []string{"Moving", "7"}},
			},
		},
		{
			name: "short row",
			values: [][]string{
				{"title", "episode", "link"},
				{"Moving"},
			},
			expected: []dramanotify.EpisodeRecord{
				{Row: 2, Title: "Moving", Cells: []string{"Moving"}},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			actual := dramanotify.ParseRecords(c.values)
			require.EqualValues(t, c.expected, actual)
		})
	}
}

func TestEpisodeRecordKey(t *testing.T) {
	cases := []struct {
		name     string
		record   dramanotify.EpisodeRecord
		expected string
	}{
		{
			name:     "title and episode",
			record:   dramanotify.EpisodeRecord{Title: "Queen of Tears", Episode: "3"},
			expected: "queen of tears#3",
		},
		{
			name:     "case and whitespace insensitive",
			record:   dramanotify.EpisodeRecord{Title: " QUEEN of Tears ", Episode: " 3 "},
			expected: "queen of tears#3",
		},
		{
			name:     "title only",
			record:   dramanotify.EpisodeRecord{Title: "Moving"},
			expected: "moving#",
		},
		{
			name:     "episode only",
			record:   dramanotify.EpisodeRecord{Episode: "7"},
			expected: "#7",
		},
		{
			name:     "raw cells fallback",
			record:   dramanotify.EpisodeRecord{Cells: []string{"Moving", "7", ""}},
			expected: "moving|7|",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.EqualValues(t, c.expected, c.record.Key())
		})
	}
}
