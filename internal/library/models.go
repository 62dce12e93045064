package library

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/columns"
)

// Book is one library record.
type Book struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	UUID      string `gorm:"uniqueIndex;not null" json:"uuid"`
	Title     string `gorm:"not null" json:"title"`
	Authors   string `json:"authors"` // comma-separated, primary author first
	CreatedAt time.Time
	UpdatedAt time.Time

	Identifiers []Identifier  `gorm:"foreignKey:BookID" json:"identifiers,omitempty"`
	Values      []ColumnValue `gorm:"foreignKey:BookID" json:"values,omitempty"`
}

// AuthorList splits the stored author string.
func (b *Book) AuthorList() []string {
	if b.Authors == "" {
		return nil
	}
	parts := strings.Split(b.Authors, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PrimaryAuthor returns the first author, or "" when none is recorded.
func (b *Book) PrimaryAuthor() string {
	authors := b.AuthorList()
	if len(authors) == 0 {
		return ""
	}
	return authors[0]
}

// Identifier is one external identifier attached to a book (type "audiobookshelf_id",
// "audible", "isbn", ...).
type Identifier struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	BookID uint   `gorm:"index:idx_book_ident,unique;not null" json:"book_id"`
	Type   string `gorm:"index:idx_book_ident,unique;index;not null" json:"type"`
	Value  string `gorm:"index;not null" json:"value"`
}

// ColumnValue is one typed custom-column value. Exactly one of the payload
// fields is set, selected by Datatype.
type ColumnValue struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	BookID   uint   `gorm:"index:idx_book_column,unique;not null" json:"book_id"`
	Column   string `gorm:"index:idx_book_column,unique;not null" json:"column"`
	Datatype string `gorm:"not null" json:"datatype"`

	Text        *string    `json:"text,omitempty"`
	Number      *float64   `json:"number,omitempty"`
	Flag        *bool      `json:"flag,omitempty"`
	Time        *time.Time `json:"time,omitempty"`
	SeriesIndex *float64   `json:"series_index,omitempty"`
}

// encodeValue fills the payload fields of a ColumnValue from a runtime value.
// Unknown types are rejected by returning false.
func encodeValue(cv *ColumnValue, v interface{}) bool {
	switch t := v.(type) {
	case string:
		cv.Datatype = string(columns.Text)
		cv.Text = &t
	case []string:
		// Stored as a JSON array; entries may themselves contain commas.
		cv.Datatype = string(columns.MultiText)
		data, err := json.Marshal(t)
		if err != nil {
			return false
		}
		encoded := string(data)
		cv.Text = &encoded
	case int64:
		cv.Datatype = string(columns.Int)
		f := float64(t)
		cv.Number = &f
	case int:
		cv.Datatype = string(columns.Int)
		f := float64(t)
		cv.Number = &f
	case float64:
		cv.Datatype = string(columns.Float)
		cv.Number = &t
	case bool:
		cv.Datatype = string(columns.Bool)
		cv.Flag = &t
	case time.Time:
		cv.Datatype = string(columns.Datetime)
		cv.Time = &t
	case columns.SeriesValue:
		cv.Datatype = string(columns.Series)
		cv.Text = &t.Name
		cv.SeriesIndex = &t.Index
	default:
		return false
	}
	return true
}

// decodeValue turns a stored ColumnValue back into its runtime value.
func decodeValue(cv ColumnValue) interface{} {
	switch columns.Datatype(cv.Datatype) {
	case columns.Text, columns.LongText:
		if cv.Text == nil {
			return nil
		}
		return *cv.Text
	case columns.MultiText:
		if cv.Text == nil || *cv.Text == "" {
			return nil
		}
		var values []string
		if err := json.Unmarshal([]byte(*cv.Text), &values); err != nil || len(values) == 0 {
			return nil
		}
		return values
	case columns.Int:
		if cv.Number == nil {
			return nil
		}
		return int64(*cv.Number)
	case columns.Float, columns.Rating:
		if cv.Number == nil {
			return nil
		}
		return *cv.Number
	case columns.Bool:
		if cv.Flag == nil {
			return nil
		}
		return *cv.Flag
	case columns.Datetime:
		if cv.Time == nil {
			return nil
		}
		return *cv.Time
	case columns.Series:
		if cv.Text == nil {
			return nil
		}
		idx := 1.0
		if cv.SeriesIndex != nil {
			idx = *cv.SeriesIndex
		}
		return columns.SeriesValue{Name: *cv.Text, Index: idx}
	}
	return nil
}
