package igdb

import (
	"strconv"
	"strings"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/models"
)

// Every field except id and name is optional in IGDB responses.

type image struct {
	ImageID string `json:"image_id"`
}

type genre struct {
	Name string `json:"name"`
}

type company struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// involvedCompany links one game to one company; the role flags are per game.
type involvedCompany struct {
	Company   *company `json:"company"`
	Developer bool     `json:"developer"`
	Publisher bool     `json:"publisher"`
}

type gameInfo struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	Summary           *string           `json:"summary"`
	Storyline         *string           `json:"storyline"`
	FirstReleaseDate  *int64            `json:"first_release_date"`
	Cover             *image            `json:"cover"`
	Artworks          []image           `json:"artworks"`
	Genres            []genre           `json:"genres"`
	InvolvedCompanies []involvedCompany `json:"involved_companies"`
}

// externalGame maps an IGDB game to a storefront uid.
type externalGame struct {
	Game int64  `json:"game"`
	UID  string `json:"uid"`
}

// SkippedRecord is a record dropped while decoding a response.
type SkippedRecord struct {
	ExternalID int64
	StoreID    string
	Err        error
}

// FetchReport describes what EachBatch could not turn into records.
type FetchReport struct {
	// Skipped holds malformed records; the rest of their batch was kept.
	Skipped []SkippedRecord
	// Unmatched holds requested store ids IGDB has no game for.
	Unmatched []uint64
	// Requests counts HTTP calls made, retries included.
	Requests int
}

// toRecord validates a decoded game and normalizes it.
func (g *gameInfo) toRecord(storeID string) (models.MetadataRecord, error) {
	if g.ID <= 0 {
		return models.MetadataRecord{}, apperrors.New(apperrors.ErrMalformedRecord, "game record has no id")
	}
	name := strings.TrimSpace(g.Name)
	if name == "" {
		return models.MetadataRecord{}, apperrors.Newf(apperrors.ErrMalformedRecord, "game %d has no name", g.ID)
	}

	rec := models.MetadataRecord{
		ExternalID:  g.ID,
		Name:        name,
		Summary:     nonEmpty(g.Summary),
		Storyline:   nonEmpty(g.Storyline),
		ReleaseDate: g.FirstReleaseDate,
		StoreID:     models.StringPtr(storeID),
	}
	if g.Cover != nil {
		rec.Cover = models.StringPtr(g.Cover.ImageID)
	}
	for _, a := range g.Artworks {
		if a.ImageID != "" {
			rec.Artworks = append(rec.Artworks, a.ImageID)
		}
	}
	for _, ge := range g.Genres {
		if ge.Name != "" {
			rec.Genres = append(rec.Genres, ge.Name)
		}
	}
	for _, ic := range g.InvolvedCompanies {
		if ic.Company == nil || ic.Company.ID <= 0 {
			continue
		}
		c := models.Company{ExternalID: ic.Company.ID, Name: ic.Company.Name}
		if ic.Developer {
			rec.Developers = append(rec.Developers, c)
		}
		if ic.Publisher {
			rec.Publishers = append(rec.Publishers, c)
		}
	}
	return rec, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// quoteUIDs renders store ids as an Apicalypse string list: ("620","400").
func quoteUIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Quote(strconv.FormatUint(id, 10))
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// joinIDs renders game ids as an Apicalypse number list: (1,2,3).
func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "(" + strings.Join(parts, ",") + ")"
}
