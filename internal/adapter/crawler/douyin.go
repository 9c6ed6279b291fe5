package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/fairyhunter13/asr-gateway/internal/domain"
)

const douyinAPIBase = "https://www.iesdouyin.com/web/api/v2/aweme/iteminfo/"

var douyinIDRe = regexp.MustCompile(`(?:video|note)/(\d+)`)

// Douyin resolves v.douyin.com share links.
type Douyin struct {
	cfg Config
	// apiBase is overridable in tests.
	apiBase string
}

func NewDouyin(cfg Config) *Douyin {
	return &Douyin{cfg: cfg, apiBase: douyinAPIBase}
}

func (d *Douyin) Platform() string { return "douyin" }

type douyinItemInfo struct {
	ItemList []struct {
		Desc   string `json:"desc"`
		Author struct {
			Nickname string `json:"nickname"`
		} `json:"author"`
		Video struct {
			PlayAddr struct {
				URLList []string `json:"url_list"`
			} `json:"play_addr"`
		} `json:"video"`
	} `json:"item_list"`
}

func (d *Douyin) Resolve(ctx domain.Context, shareURL string) (domain.ResolvedMedia, error) {
	canonical, err := expandShareURL(ctx, d.cfg, shareURL)
	if err != nil {
		return domain.ResolvedMedia{}, err
	}
	id, ok := extractID(douyinIDRe, canonical)
	if !ok {
		return domain.ResolvedMedia{}, fmt.Errorf("op=douyin.resolve: no video id in %s", canonical)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiBase+"?reflow_source=reflow_page&item_ids="+id, nil)
	if err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("op=douyin.resolve: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.userAgent())
	if d.cfg.Cookie != "" {
		req.Header.Set("Cookie", d.cfg.Cookie)
	}
	resp, err := d.cfg.client().Do(req)
	if err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("op=douyin.resolve: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.ResolvedMedia{}, fmt.Errorf("op=douyin.resolve: api returned %d", resp.StatusCode)
	}
	var info douyinItemInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return domain.ResolvedMedia{}, fmt.Errorf("op=douyin.resolve: %w", err)
	}
	if len(info.ItemList) == 0 || len(info.ItemList[0].Video.PlayAddr.URLList) == 0 {
		return domain.ResolvedMedia{}, fmt.Errorf("op=douyin.resolve: empty item list for id %s", id)
	}
	item := info.ItemList[0]
	// playwm is the watermarked variant; play serves the clean stream.
	mediaURL := strings.Replace(item.Video.PlayAddr.URLList[0], "playwm", "play", 1)
	return domain.ResolvedMedia{
		MediaURL: mediaURL,
		Title:    item.Desc,
		Author:   item.Author.Nickname,
	}, nil
}
