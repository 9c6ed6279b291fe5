package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

const tiktokAPIBase = "https://api16-normal-c-useast1a.tiktokv.com/aweme/v1/feed/"

var tiktokIDRe = regexp.MustCompile(`(?:video|v)/(\d+)`)

// TikTok resolves vt.tiktok.com / www.tiktok.com share links.
type TikTok struct {
	cfg     Config
	apiBase string
}

func NewTikTok(cfg Config) *TikTok {
	return &TikTok{cfg: cfg, apiBase: tiktokAPIBase}
}

func (t *TikTok) Platform() string { return "tiktok" }

type tiktokFeed struct {
	AwemeList []struct {
		Desc   string `json:"desc"`
		Author struct {
			Nickname string `json:"nickname"`
		} `json:"author"`
		Video struct {
			PlayAddr struct {
				URLList []string `json:"url_list"`
			} `json:"play_addr"`
		} `json:"video"`
	} `json:"aweme_list"`
}

func (t *TikTok) Resolve(ctx domain.Context, shareURL string) (domain.ResolvedMedia, error) {
	canonical, err := expandShareURL(ctx, t.cfg, shareURL)
	if err != nil {
		return domain.ResolvedMedia{}, err
	}
	id, ok := extractID(tiktokIDRe, canonical)
	if !ok {
		return domain.ResolvedMedia{}, fmt.Errorf("op=tiktok.resolve: no video id in %s", canonical)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"?aweme_id="+id, nil)
	if err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("op=tiktok.resolve: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.userAgent())
	if t.cfg.Cookie != "" {
		req.Header.Set("Cookie", t.cfg.Cookie)
	}
	resp, err := t.cfg.client().Do(req)
	if err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("op=tiktok.resolve: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.ResolvedMedia{}, fmt.Errorf("op=tiktok.resolve: api returned %d", resp.StatusCode)
	}
	var feed tiktokFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("op=tiktok.resolve: %w", err)
	}
	if len(feed.AwemeList) == 0 || len(feed.AwemeList[0].Video.PlayAddr.URLList) == 0 {
		return domain.ResolvedMedia{}, fmt.Errorf("op=tiktok.resolve: empty feed for id %s", id)
	}
	item := feed.AwemeList[0]
	return domain.ResolvedMedia{
		MediaURL: item.Video.PlayAddr.URLList[0],
		Title:    item.Desc,
		Author:   item.Author.Nickname,
	}, nil
}
