package descriptor

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"v2tester_nexus/internal/model"
)

const (
	RankReality = iota
	RankXTLS
	RankTLS
	RankOther
)

// Rank 估计描述符的测试优先级：REALITY > XTLS flow > TLS > 其他。
// 无法解析的描述符排在最后，让校验器去给出具体的失败原因。
func Rank(d model.Descriptor) int {
	switch d.Protocol {
	case model.ProtoVMess:
		body := d.Raw[len(d.Scheme)+3:]
		if i := strings.IndexAny(body, "?#"); i >= 0 {
			body = body[:i]
		}
		raw, err := DecodeBase64(body)
		if err != nil {
			return RankOther
		}
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			return RankOther
		}
		if tls, _ := m["tls"].(string); strings.EqualFold(tls, "tls") {
			return RankTLS
		}
		return RankOther
	case model.ProtoVLESS, model.ProtoTrojan:
		u, err := url.Parse(d.Raw)
		if err != nil {
			return RankOther
		}
		q := u.Query()
		security := strings.ToLower(q.Get("security"))
		switch {
		case security == "reality" || q.Get("pbk") != "":
			return RankReality
		case security == "xtls" || strings.Contains(strings.ToLower(q.Get("flow")), "xtls"):
			return RankXTLS
		case security == "tls" || (d.Protocol == model.ProtoTrojan && security != "none"):
			return RankTLS
		}
	case model.ProtoTUIC, model.ProtoHysteria2:
		// QUIC 总是带 TLS
		return RankTLS
	}
	return RankOther
}

// SortByPriority stably orders ds so higher-priority descriptors are tested
// first. Relative order within a rank is preserved.
func SortByPriority(ds []model.Descriptor) {
	ranks := make(map[string]int, len(ds))
	for _, d := range ds {
		ranks[d.Raw] = Rank(d)
	}
	sort.SliceStable(ds, func(i, j int) bool {
		return ranks[ds[i].Raw] < ranks[ds[j].Raw]
	})
}
