package imagegen

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultCreatorURL = "https://www.bing.com"

var (
	creatorImageRe = regexp.MustCompile(`src="(https://[^"]+)"`)
	creatorIDRe    = regexp.MustCompile(`id=([^&]+)`)
)

// CookieFunc returns the Cookie header of the account to create images with.
type CookieFunc func() string

type CreatorOptions struct {
	BaseURL      string
	HTTP         *http.Client
	Cookie       CookieFunc
	PollInterval time.Duration
	PollAttempts int
}

// Creator drives the web image creator: a form post starts a job and the
// results page is polled until it lists images.
type Creator struct {
	opts CreatorOptions
}

var _ Generator = (*Creator)(nil)

func NewCreator(opts CreatorOptions) *Creator {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultCreatorURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	// the job id is read from the redirect, so redirects are not followed
	noRedirect := *opts.HTTP
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	opts.HTTP = &noRedirect
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 60
	}
	return &Creator{opts: opts}
}

func (c *Creator) cookie() string {
	if c.opts.Cookie == nil {
		return ""
	}
	return c.opts.Cookie()
}

func (c *Creator) Generate(ctx context.Context, prompt string) ([]string, error) {
	cookie := c.cookie()
	if cookie == "" {
		return nil, errors.Wrap(ErrUnavailable, "cookies required")
	}
	q := url.QueryEscape(prompt)
	form := strings.NewReader("q=" + q + "&qs=ds")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/images/create?q="+q+"&rt=4&FORM=GENCRE", form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cookie)
	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "image creator")
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if strings.Contains(strings.ToLower(string(body)), "this prompt has been blocked") {
		return nil, errors.New("image creator: prompt blocked")
	}
	loc := resp.Header.Get("Location")
	m := creatorIDRe.FindStringSubmatch(loc)
	if resp.StatusCode != http.StatusFound || m == nil {
		return nil, errors.Errorf("image creator: unexpected response http %d", resp.StatusCode)
	}
	id := m[1]
	log.Debug().Str("component", "imagegen").Str("job_id", id).Msg("image job started")

	for attempt := 0; attempt < c.opts.PollAttempts; attempt++ {
		urls, err := c.poll(ctx, id, q, cookie)
		if err != nil {
			return nil, err
		}
		if len(urls) > 0 {
			return urls, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
	return nil, errors.New("image creator: timed out waiting for images")
}

func (c *Creator) poll(ctx context.Context, id, q, cookie string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/images/create/async/results/"+url.PathEscape(id)+"?q="+q, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", cookie)
	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "image creator poll")
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("image creator poll: http %d", resp.StatusCode)
	}
	seen := map[string]bool{}
	var urls []string
	for _, m := range creatorImageRe.FindAllStringSubmatch(string(body), -1) {
		u, _, _ := strings.Cut(m[1], "?w=")
		if seen[u] || strings.HasSuffix(u, ".svg") {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls, nil
}
