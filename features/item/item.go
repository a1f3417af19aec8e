package item

import (
	"strings"
	"time"
)

type Type string

const (
	TypeStory   Type = "story"
	TypeComment Type = "comment"
	TypeJob     Type = "job"
	TypePoll    Type = "poll"
	TypePollOpt Type = "pollopt"
)

// Item mirrors the upstream item payload. Absent marks a tombstone for an id
// the upstream answered with null; a deleted item is present with Deleted set.
type Item struct {
	ID          int64   `json:"id"`
	Type        Type    `json:"type,omitempty"`
	By          string  `json:"by,omitempty"`
	Time        int64   `json:"time,omitempty"`
	Text        string  `json:"text,omitempty"`
	Title       string  `json:"title,omitempty"`
	URL         string  `json:"url,omitempty"`
	Score       int     `json:"score,omitempty"`
	Descendants int     `json:"descendants,omitempty"`
	Parent      int64   `json:"parent,omitempty"`
	Poll        int64   `json:"poll,omitempty"`
	Kids        []int64 `json:"kids,omitempty"`
	Parts       []int64 `json:"parts,omitempty"`
	Deleted     bool    `json:"deleted,omitempty"`
	Dead        bool    `json:"dead,omitempty"`

	Absent    bool      `json:"-"`
	FetchedAt time.Time `json:"-"`
}

// Tombstone records that id was attempted and the upstream has no such item.
func Tombstone(id int64) Item {
	return Item{ID: id, Absent: true}
}

func (i Item) CreatedAt() time.Time {
	return time.Unix(i.Time, 0).UTC()
}

// Sanitize drops NUL bytes and invalid UTF-8 from the text columns. Postgres
// TEXT accepts neither.
func (i *Item) Sanitize() {
	for _, f := range []*string{&i.By, &i.Text, &i.Title, &i.URL} {
		*f = clean(*f)
	}
	i.Type = Type(clean(string(i.Type)))
}

func clean(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.ToValidUTF8(s, "")
}
