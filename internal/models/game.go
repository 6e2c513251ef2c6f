// Package models provides data model definitions for Rocade Core.
package models

import (
	"strconv"
	"time"
)

// Game is a fully resolved library entry as served to the UI.
// Relations are aggregated per game; an absent relation is an empty slice or nil pointer.
type Game struct {
	ID          int64    `db:"id" json:"id"`
	ExternalID  int64    `db:"igdb_id" json:"igdb_id"`
	Name        string   `db:"name" json:"name"`
	Summary     *string  `db:"summary" json:"summary"`
	Storyline   *string  `db:"storyline" json:"storyline"`
	ReleaseDate *int64   `db:"release_date" json:"release_date"`
	Cover       *string  `json:"cover"`
	Artworks    []string `json:"artworks"`
	Genres      []string `json:"genres"`
	Developers  []string `json:"developers"`
	Publishers  []string `json:"publishers"`
	StoreID     *string  `json:"store_id"`
	// IsInstalled is never persisted; callers fill it from the storefront client.
	IsInstalled *bool `json:"is_installed,omitempty"`
}

// TableName returns the table name for Game.
func (Game) TableName() string {
	return "games"
}

// ReleaseTime returns the release date as time.Time, or the zero time when unknown.
func (g *Game) ReleaseTime() time.Time {
	if g.ReleaseDate == nil {
		return time.Time{}
	}
	return time.Unix(*g.ReleaseDate, 0).UTC()
}

// Company is a developer or publisher as known to the metadata source.
type Company struct {
	ExternalID int64  `json:"igdb_id"`
	Name       string `json:"name"`
}

// MetadataRecord is one normalized record from the metadata source,
// the input of a complete-game upsert.
type MetadataRecord struct {
	ExternalID  int64
	Name        string
	Summary     *string
	Storyline   *string
	ReleaseDate *int64
	Cover       *string
	Artworks    []string
	Genres      []string
	Developers  []Company
	Publishers  []Company
	StoreID     *string
}

// StoreAppID parses the storefront identifier as a Steam app id.
func (r *MetadataRecord) StoreAppID() (uint64, bool) {
	if r.StoreID == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(*r.StoreID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// String is a short label for logs.
func (r *MetadataRecord) String() string {
	return r.Name + " (igdb " + strconv.FormatInt(r.ExternalID, 10) + ")"
}

// SyncRun is the persisted summary of one library refresh.
type SyncRun struct {
	ID         string `json:"run_id"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Failed     int    `json:"failed"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
