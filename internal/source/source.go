// Package source fetches descriptor lines from subscriptions, channel pages
// and local files. A source that fails is skipped; it never fails a scan.
package source

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"v2tester_nexus/internal/descriptor"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/shared/types"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Source 定义了从某个来源抓取描述符文本的行为。
type Source interface {
	// Name 返回来源名称，用于日志记录。
	Name() string
	// Fetch 返回从该来源提取出的描述符行，不做任何校验。
	Fetch(ctx context.Context) ([]string, error)
}

var uriPattern = regexp.MustCompile(`(?i)\b(?:vmess|vless|trojan|ss|tuic|hysteria2|hy2)://[^\s<>"'\x60]+`)

// Extract finds descriptor URIs in free text. Text without any URI is tried
// once more as a base64 subscription body.
func Extract(text string) []string {
	found := uriPattern.FindAllString(text, -1)
	if len(found) == 0 {
		if decoded, err := descriptor.DecodeBase64(strings.TrimSpace(text)); err == nil {
			found = uriPattern.FindAllString(string(decoded), -1)
		}
	}
	out := found[:0]
	for _, u := range found {
		u = strings.TrimRight(u, ".,;)")
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// FromProfile builds the Source described by one sources.json entry.
func FromProfile(p *types.SourceProfile) (Source, error) {
	name := p.Name
	if name == "" {
		name = p.URL
	}
	switch strings.ToLower(p.Kind) {
	case "", "subscription":
		return NewSubscription(name, p.URL), nil
	case "channel":
		return NewChannel(name, p.URL, ""), nil
	case "file":
		return NewFile(name, p.URL), nil
	}
	return nil, fmt.Errorf("source %q: unknown kind %q", name, p.Kind)
}

// FromProfiles builds every valid source and logs the rest.
func FromProfiles(profiles []*types.SourceProfile) []Source {
	l := logger.WithComponent("Source")
	out := make([]Source, 0, len(profiles))
	for _, p := range profiles {
		s, err := FromProfile(p)
		if err != nil {
			l.Warn().Err(err).Msg("Skipping invalid source profile.")
			continue
		}
		out = append(out, s)
	}
	return out
}

// Collect fetches all sources with at most limit in flight and returns the
// union of their descriptors in source order, deduplicated by fingerprint.
func Collect(ctx context.Context, sources []Source, limit int) []string {
	l := logger.WithComponent("Source")
	if limit <= 0 {
		limit = 4
	}
	perSource := make([][]string, len(sources))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, s := range sources {
		g.Go(func() error {
			lines, err := s.Fetch(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", s.Name()).Msg("Source fetch failed, skipping.")
				return nil
			}
			l.Info().Int("count", len(lines)).Str("source", s.Name()).Msg("Source fetched.")
			perSource[i] = lines
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	var out []string
	for _, lines := range perSource {
		for _, line := range lines {
			fp := descriptor.Fingerprint(line)
			if _, dup := seen[fp]; dup {
				continue
			}
			seen[fp] = struct{}{}
			out = append(out, line)
		}
	}
	l.Info().Int("sources", len(sources)).Int("descriptors", len(out)).Msg("Collection finished.")
	return out
}
