package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"v2tester_nexus/internal/model"
	"v2tester_nexus/internal/shared/logger"
	"v2tester_nexus/internal/store"
)

// Persister receives fingerprints at the moment they become blacklisted.
type Persister interface {
	Append(rec store.BlacklistRecord) error
}

type record struct {
	failures    int
	blacklisted bool
	protocol    model.Protocol
	host        string
	at          time.Time
}

// Tracker 按描述符指纹统计连续失败次数。连续失败达到阈值即拉黑，
// 同一轮运行内成功不会解除拉黑。
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*record
	threshold int
	persist   Persister
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a tracker. persist may be nil.
func New(threshold int, persist Persister) *Tracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Tracker{
		records:   make(map[string]*record),
		threshold: threshold,
		persist:   persist,
		now:       time.Now,
		log:       logger.WithComponent("Tracker"),
	}
}

// Preseed marks previously persisted fingerprints as blacklisted. They are not
// appended to the persister again.
func (t *Tracker) Preseed(recs map[string]store.BlacklistRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fp, r := range recs {
		t.records[fp] = &record{failures: r.Failures, blacklisted: true, protocol: r.Protocol, host: r.Host, at: r.At}
	}
	if len(recs) > 0 {
		t.log.Info().Int("count", len(recs)).Msg("blacklist preseeded")
	}
}

// RecordSuccess resets the consecutive failure count.
func (t *Tracker) RecordSuccess(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[fingerprint]; ok {
		r.failures = 0
	}
}

// RecordFailure 增加连续失败计数，返回该指纹当前是否已被拉黑。
// 首次越过阈值时写入持久化黑名单。
func (t *Tracker) RecordFailure(fingerprint string, protocol model.Protocol, host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[fingerprint]
	if !ok {
		r = &record{}
		t.records[fingerprint] = r
	}
	r.failures++
	r.protocol, r.host = protocol, host
	if r.blacklisted || r.failures < t.threshold {
		return r.blacklisted
	}

	r.blacklisted = true
	r.at = t.now()
	t.log.Info().Str("fingerprint", fingerprint).Str("host", host).Int("failures", r.failures).Msg("descriptor blacklisted")
	if t.persist != nil {
		if err := t.persist.Append(t.toRecord(fingerprint, r)); err != nil {
			t.log.Error().Err(err).Str("fingerprint", fingerprint).Msg("failed to persist blacklist entry")
		}
	}
	return true
}

func (t *Tracker) IsBlacklisted(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[fingerprint]
	return ok && r.blacklisted
}

// Failures returns the current consecutive failure count.
func (t *Tracker) Failures(fingerprint string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[fingerprint]; ok {
		return r.failures
	}
	return 0
}

// Snapshot returns every blacklisted entry ordered by fingerprint.
func (t *Tracker) Snapshot() []store.BlacklistRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]store.BlacklistRecord, 0)
	for fp, r := range t.records {
		if r.blacklisted {
			out = append(out, t.toRecord(fp, r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (t *Tracker) toRecord(fp string, r *record) store.BlacklistRecord {
	return store.BlacklistRecord{Fingerprint: fp, Protocol: r.protocol, Host: r.host, Failures: r.failures, At: r.at}
}
