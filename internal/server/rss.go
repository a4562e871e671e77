package server

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/cpsdqs/aof/internal/store"
)

const defaultRSSLimit = 20

// rssKeyRate/rssKeyBurst bound how often one RSS key may hit this
// endpoint — readers poll on their own schedule, but force_request=true
// triggers a real fetch and must not become a way to flood a domain.
const (
	rssKeyRate  = 1
	rssKeyBurst = 3
)

func (s *Server) rssLimiter(key string) *rate.Limiter {
	s.rssLimMu.Lock()
	defer s.rssLimMu.Unlock()
	l, ok := s.rssLim[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rssKeyRate), rssKeyBurst)
		s.rssLim[key] = l
	}
	return l
}

type rssChannel struct {
	XMLName xml.Name  `xml:"channel"`
	Title   string    `xml:"title"`
	Link    string    `xml:"link"`
	Desc    string    `xml:"description"`
	Items   []rssItem `xml:"item"`
}

type rssItem struct {
	Title string `xml:"title"`
	Link  string `xml:"link"`
	Desc  string `xml:"description,omitempty"`
	GUID  string `xml:"guid"`
}

// handleRSS serves GET /rss/{key}/source/{domain}/{path...}: a read-only,
// cookie-free feed for a user's subscribed source, authenticated by an
// RssAuthKey instead of a login session.
func (s *Server) handleRSS(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	domain := chi.URLParam(r, "domain")
	path := chi.URLParam(r, "*")

	if !s.rssLimiter(key).Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	userID, err := s.store.UserByRssAuthKey(key)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	uri, err := store.CanonicalizeURI(domain + "://" + path)
	if err != nil {
		http.Error(w, "invalid source", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("force_request") == "true" && s.fetch != nil {
		s.fetch.FetchSource(r.Context(), &userID, uri.String())
	}

	ptr, err := s.store.GetUserSourcePointer(userID, uri.String())
	if err != nil || ptr.VersionHash == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sv, err := s.store.GetSourceVersion(uri.String(), *ptr.VersionHash)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	limit := defaultRSSLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	camo := r.URL.Query().Get("camo") == "true"

	channel := rssChannel{
		Title: metaString(sv.Metadata, "title", uri.String()),
		Link:  s.cfg.ExternalURL + "/rss/" + key + "/source/" + domain + "/" + path,
		Desc:  metaString(sv.Metadata, "description", ""),
	}

	items := sv.Items
	start := len(items) - limit
	if start < 0 {
		start = 0
	}
	items = items[start:]
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Virtual {
			continue
		}
		itemURI, err := store.CanonicalizeURI(uri.Scheme + "://" + it.Path)
		if err != nil {
			continue
		}
		desc := metaString(it.Tags, "contents", "")
		if camo {
			desc = camoRewrite(desc, s.cfg.ExternalURL, key)
		}
		channel.Items = append(channel.Items, rssItem{
			Title: metaString(it.Tags, "title", it.Path),
			Link:  itemURI.String(),
			Desc:  desc,
			GUID:  itemURI.String(),
		})
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	fmt.Fprint(w, xml.Header)
	fmt.Fprint(w, `<rss version="2.0">`)
	enc := xml.NewEncoder(w)
	if err := enc.Encode(channel); err != nil {
		return
	}
	fmt.Fprint(w, `</rss>`)
}

func metaString(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// camoRewrite points http(s) URLs in the rendered item body at the
// resource proxy, tied to the same RSS key. The proxy itself is an
// external collaborator; this only produces the URLs it expects.
func camoRewrite(html, externalURL, key string) string {
	return strings.NewReplacer(
		"http://", externalURL+"/rss/"+key+"/proxy?u=http://",
		"https://", externalURL+"/rss/"+key+"/proxy?u=https://",
	).Replace(html)
}
