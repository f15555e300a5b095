package source

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"

	"v2tester_nexus/internal/shared/logger"
)

// Subscription fetches a plain or base64 subscription body.
type Subscription struct {
	name    string
	url     string
	timeout time.Duration
}

func NewSubscription(name, url string) *Subscription {
	return &Subscription{name: name, url: url, timeout: 20 * time.Second}
}

func (s *Subscription) Name() string { return s.name }

// Fetch 使用新的 collector 访问订阅地址，避免重复访问被 colly 拦截。
func (s *Subscription) Fetch(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("Source")
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.timeout)

	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		l.Debug().Err(err).Int("status_code", r.StatusCode).Str("url", s.url).Msg("Subscription request failed.")
		fetchErr = fmt.Errorf("fetch %s: %w", s.name, err)
	})

	if err := c.Visit(s.url); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("fetch %s: %w", s.name, err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	return Extract(string(body)), nil
}
