package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// defaultChannelSelector matches message bodies on public channel preview pages.
const defaultChannelSelector = ".tgme_widget_message_text, pre, code"

// Channel scrapes descriptor URIs out of an HTML page.
type Channel struct {
	name     string
	url      string
	selector string
	client   *http.Client
}

func NewChannel(name, url, selector string) *Channel {
	if selector == "" {
		selector = defaultChannelSelector
	}
	return &Channel{
		name:     name,
		url:      url,
		selector: selector,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", c.name, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, c.name)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", c.name, err)
	}

	var out []string
	doc.Find(c.selector).Each(func(_ int, sel *goquery.Selection) {
		// <br> 在 Text() 中会丢失，逐个文本节点提取以保留边界
		sel.Contents().Each(func(_ int, n *goquery.Selection) {
			out = append(out, Extract(n.Text())...)
		})
	})
	return out, nil
}
