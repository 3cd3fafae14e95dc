package utils

import (
	"slices"
	"sort"
	"strconv"
	"strings"
)

// DetermineLocale picks the locale for a request: an explicit ?lang= wins,
// then the highest-weighted supported Accept-Language entry, then def.
// Regional tags fall back to their base language ("zh-CN" -> "zh").
func DetermineLocale(queryLang, acceptLang string, supported []string, def string) string {
	pick := func(lang string) (string, bool) {
		l := strings.ToLower(strings.TrimSpace(lang))
		if l == "" {
			return "", false
		}
		if slices.Contains(supported, l) {
			return l, true
		}
		if base, _, ok := strings.Cut(l, "-"); ok && slices.Contains(supported, base) {
			return base, true
		}
		return "", false
	}

	if v, ok := pick(queryLang); ok {
		return v
	}

	type weighted struct {
		lang string
		q    float64
	}
	var cands []weighted
	for _, part := range strings.Split(acceptLang, ",") {
		tag, params, _ := strings.Cut(part, ";")
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || parsed < 0 || parsed > 1 {
				continue
			}
			q = parsed
		}
		if q == 0 {
			continue
		}
		if l, ok := pick(tag); ok {
			cands = append(cands, weighted{lang: l, q: q})
		}
	}
	if len(cands) > 0 {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].q > cands[j].q })
		return cands[0].lang
	}
	if v, ok := pick(def); ok {
		return v
	}
	if len(supported) > 0 {
		return supported[0]
	}
	return DefaultLocale
}
