// Package profile enriches player names seen in the log with public
// citizen-page data, caches the results, and shares first-seen profiles
// with peers. It also hosts the VIP matcher.
package profile

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultCitizenBase = "https://robertsspaceindustries.com/citizens"

// Citizen-page extraction is best effort: the page is server-rendered
// HTML with stable label/value blocks, so a handful of regexes beats a
// full DOM parse. Missing fields come back empty, never as errors.
var (
	handleRe    = regexp.MustCompile(`(?s)<span class="label">\s*Handle name\s*</span>\s*<strong class="value">([^<]+)</strong>`)
	enlistedRe  = regexp.MustCompile(`(?s)<span class="label">\s*Enlisted\s*</span>\s*<strong class="value">([^<]+)</strong>`)
	ueeRecordRe = regexp.MustCompile(`(?s)citizen-record[^>]*>.*?<strong class="value">([^<]+)</strong>`)
	orgSIDRe    = regexp.MustCompile(`href="/orgs/([^"/]+)"`)
	orgNameRe   = regexp.MustCompile(`(?s)<a href="/orgs/[^"]+"[^>]*>([^<]+)</a>`)
)

// Scraper fetches public citizen pages.
type Scraper struct {
	base   string
	client *http.Client
}

// NewScraper uses the public citizen page root when base is empty.
func NewScraper(base string, timeout time.Duration) *Scraper {
	if base == "" {
		base = defaultCitizenBase
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Scraper{base: base, client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves and parses one citizen page. A 404 means the player
// does not exist (NPCs, deleted accounts); that is an error the caller
// can distinguish with IsNotFound.
func (s *Scraper) Fetch(ctx context.Context, player string) (Profile, error) {
	pageURL := s.base + "/" + url.PathEscape(player)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("User-Agent", "versewatch")

	resp, err := s.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("citizen page fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Profile{}, &notFoundError{player: player}
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("citizen page fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("citizen page read: %w", err)
	}

	p := parseCitizenPage(string(body))
	p.Player = player
	p.FetchedAt = time.Now().UTC()
	log.Debug().Str("player", player).Str("org", p.OrgSID).Msg("citizen page scraped")
	return p, nil
}

func parseCitizenPage(page string) Profile {
	p := Profile{}
	p.Handle = firstGroup(handleRe, page)
	p.Enlisted = firstGroup(enlistedRe, page)
	p.UEERecord = firstGroup(ueeRecordRe, page)
	p.OrgSID = firstGroup(orgSIDRe, page)
	p.OrgName = firstGroup(orgNameRe, page)
	return p
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(m[1]))
}

type notFoundError struct{ player string }

func (e *notFoundError) Error() string { return "citizen not found: " + e.player }

// IsNotFound reports whether err marks a missing citizen page.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
