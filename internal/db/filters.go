package db

import (
	"fmt"
	"strings"
	"time"
)

// Filter represents a single condition on the games table (aliased g).
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// NameFilter is a case-insensitive substring match on the game name.
type NameFilter struct {
	Name string
}

// Valid checks that there is something to match.
func (f *NameFilter) Valid() bool {
	return strings.TrimSpace(f.Name) != ""
}

// SQL uses instr over casefold() so '%' and '_' in the query are literal.
func (f *NameFilter) SQL() string {
	return "instr(casefold(g.name), ?) > 0"
}

// Args returns the lower-cased query.
func (f *NameFilter) Args() []interface{} {
	return []interface{}{strings.ToLower(strings.TrimSpace(f.Name))}
}

// GenreFilter keeps games linked to any of the named genres.
type GenreFilter struct {
	Genres []string
}

// Valid checks that every genre name is non-blank.
func (f *GenreFilter) Valid() bool {
	if len(f.Genres) == 0 {
		return false
	}
	for _, g := range f.Genres {
		if strings.TrimSpace(g) == "" {
			return false
		}
	}
	return true
}

// SQL returns an EXISTS over belongs_to, so games are never duplicated.
func (f *GenreFilter) SQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Genres)), ", ")
	return "EXISTS (SELECT 1 FROM belongs_to bt JOIN genres ge ON ge.id = bt.genre_id " +
		"WHERE bt.game_id = g.id AND casefold(ge.name) IN (" + placeholders + "))"
}

// Args returns the lower-cased genre names.
func (f *GenreFilter) Args() []interface{} {
	args := make([]interface{}, 0, len(f.Genres))
	for _, g := range f.Genres {
		args = append(args, strings.ToLower(strings.TrimSpace(g)))
	}
	return args
}

// ReleaseRangeFilter filters by first release date (unix seconds).
// Games with an unknown release date never match.
type ReleaseRangeFilter struct {
	From int64
	To   int64
}

// Valid checks that at least one bound is set and the bounds are ordered.
func (f *ReleaseRangeFilter) Valid() bool {
	if f.From == 0 && f.To == 0 {
		return false
	}
	if f.From != 0 && f.To != 0 && f.From > f.To {
		return false
	}
	return true
}

// SQL returns the SQL fragment for release date filtering.
func (f *ReleaseRangeFilter) SQL() string {
	var parts []string
	if f.From != 0 {
		parts = append(parts, "g.release_date >= ?")
	}
	if f.To != 0 {
		parts = append(parts, "g.release_date <= ?")
	}
	return strings.Join(parts, " AND ")
}

// Args returns the arguments for release date filtering.
func (f *ReleaseRangeFilter) Args() []interface{} {
	var args []interface{}
	if f.From != 0 {
		args = append(args, f.From)
	}
	if f.To != 0 {
		args = append(args, f.To)
	}
	return args
}

// StoreLinkFilter keeps games that do (or do not) have a storefront link.
type StoreLinkFilter struct {
	Linked bool
}

// Valid always holds.
func (f *StoreLinkFilter) Valid() bool { return true }

// SQL relies on the games_store left join being aliased gs.
func (f *StoreLinkFilter) SQL() string {
	if f.Linked {
		return "gs.store_id IS NOT NULL"
	}
	return "gs.store_id IS NULL"
}

// Args returns no arguments.
func (f *StoreLinkFilter) Args() []interface{} { return nil }

// FilterBuilder builds SQL filter conditions from multiple filters.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

func (fb *FilterBuilder) add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Name adds a substring name filter.
func (fb *FilterBuilder) Name(name string) *FilterBuilder {
	return fb.add(&NameFilter{Name: name})
}

// Genres adds a genre filter.
func (fb *FilterBuilder) Genres(genres ...string) *FilterBuilder {
	return fb.add(&GenreFilter{Genres: genres})
}

// ReleasedBetween adds a release date filter; a zero time leaves that side open.
func (fb *FilterBuilder) ReleasedBetween(from, to time.Time) *FilterBuilder {
	f := &ReleaseRangeFilter{}
	if !from.IsZero() {
		f.From = from.Unix()
	}
	if !to.IsZero() {
		f.To = to.Unix()
	}
	return fb.add(f)
}

// StoreLinked adds a storefront link filter.
func (fb *FilterBuilder) StoreLinked(linked bool) *FilterBuilder {
	return fb.add(&StoreLinkFilter{Linked: linked})
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build builds the SQL WHERE clause body and returns the arguments.
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if !fb.HasFilters() {
		return "", nil
	}

	var sqlParts []string
	var args []interface{}
	for _, filter := range fb.filters {
		sqlParts = append(sqlParts, filter.SQL())
		args = append(args, filter.Args()...)
	}
	return strings.Join(sqlParts, " AND "), args
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}

	var parts []string
	for _, filter := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", filter))
	}
	return strings.Join(parts, ", ")
}

// GameFilter selects games for List.
type GameFilter struct {
	// Name is matched as a case-insensitive substring.
	Name string
	// Fuzzy falls back to trigram similarity when no name contains Name.
	Fuzzy bool
	// Threshold overrides the similarity threshold; zero means the default.
	Threshold float64

	Genres       []string
	ReleasedFrom time.Time
	ReleasedTo   time.Time
	// StoreLinked, when set, keeps only games with (true) or without (false) a store id.
	StoreLinked *bool

	Limit  int
	Offset int
}

// builder returns the filters other than the name, which List handles itself.
func (f GameFilter) builder() *FilterBuilder {
	fb := NewFilterBuilder().Genres(f.Genres...).ReleasedBetween(f.ReleasedFrom, f.ReleasedTo)
	if f.StoreLinked != nil {
		fb.StoreLinked(*f.StoreLinked)
	}
	return fb
}

// GenresFromCommaString parses genre names from a comma-separated string.
func GenresFromCommaString(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
