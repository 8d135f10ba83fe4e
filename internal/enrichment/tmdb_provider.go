package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sequelwatch/internal/services"
	"sequelwatch/internal/textutil"
	"sequelwatch/internal/titles"
	"sequelwatch/internal/tmdb"
)

// TMDBProvider resolves titles through TMDB search, and season details for
// series with a season number.
type TMDBProvider struct {
	client       tmdb.Searcher
	imageBaseURL string
}

// NewTMDBProvider wraps a TMDB client.
func NewTMDBProvider(client tmdb.Searcher, imageBaseURL string) *TMDBProvider {
	return &TMDBProvider{client: client, imageBaseURL: strings.TrimRight(strings.TrimSpace(imageBaseURL), "/")}
}

// Lookup implements Provider.
func (p *TMDBProvider) Lookup(ctx context.Context, q Query) (*Metadata, error) {
	if q.Title.Kind == titles.KindSeries {
		return p.lookupSeries(ctx, q)
	}
	return p.lookupMovie(ctx, q)
}

func (p *TMDBProvider) lookupMovie(ctx context.Context, q Query) (*Metadata, error) {
	resp, err := p.client.SearchMovie(ctx, q.Title.BaseTitle, q.Year)
	if err != nil {
		return nil, err
	}
	best, ok := bestResult(resp, q.Title.Key)
	if !ok {
		return nil, nil
	}
	md := &Metadata{
		ExternalID: fmt.Sprintf("tmdb:movie:%d", best.ID),
		Title:      best.DisplayTitle(),
		Overview:   best.Overview,
		ImageURL:   p.imageURL(best.PosterPath),
		Rating:     best.VoteAverage,
	}
	if ts, ok := best.Date(); ok {
		md.ReleaseDate = &ts
	}
	return md, nil
}

func (p *TMDBProvider) lookupSeries(ctx context.Context, q Query) (*Metadata, error) {
	resp, err := p.client.SearchTV(ctx, q.Title.BaseTitle, q.Year)
	if err != nil {
		return nil, err
	}
	best, ok := bestResult(resp, q.Title.Key)
	if !ok {
		return nil, nil
	}
	md := &Metadata{
		ExternalID: fmt.Sprintf("tmdb:tv:%d", best.ID),
		Title:      best.DisplayTitle(),
		Overview:   best.Overview,
		ImageURL:   p.imageURL(best.PosterPath),
		Rating:     best.VoteAverage,
	}
	if ts, ok := best.Date(); ok {
		md.ReleaseDate = &ts
	}
	if !q.Title.HasSeason() {
		return md, nil
	}

	season, err := p.client.GetSeasonDetails(ctx, best.ID, q.Title.Season)
	if errors.Is(err, services.ErrNotFound) {
		// The show exists but the season does not (yet).
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	md.ExternalID = fmt.Sprintf("tmdb:tv:%d:s%d", best.ID, q.Title.Season)
	md.ReleaseDate = nil
	if ts, ok := season.Date(); ok {
		md.ReleaseDate = &ts
	}
	if strings.TrimSpace(season.Overview) != "" {
		md.Overview = season.Overview
	}
	if season.PosterPath != "" {
		md.ImageURL = p.imageURL(season.PosterPath)
	}
	if season.VoteAverage > 0 {
		md.Rating = season.VoteAverage
	}
	return md, nil
}

// bestResult prefers an exact comparison-key match, then the first result.
func bestResult(resp *tmdb.Response, key string) (tmdb.Result, bool) {
	if resp == nil || len(resp.Results) == 0 {
		return tmdb.Result{}, false
	}
	for _, r := range resp.Results {
		if textutil.Fold(r.DisplayTitle()) == key {
			return r, true
		}
	}
	return resp.Results[0], true
}

func (p *TMDBProvider) imageURL(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || p.imageBaseURL == "" {
		return ""
	}
	return p.imageBaseURL + "/" + strings.TrimLeft(path, "/")
}
