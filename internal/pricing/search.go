package pricing

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/kalambet/chatter/internal/proxy"
)

// Search returns the models whose id fuzzily matches query, best match
// first. An empty query returns models sorted by id.
func Search(models []proxy.Model, query string) []proxy.Model {
	query = strings.TrimSpace(query)
	if query == "" {
		out := append([]proxy.Model(nil), models...)
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	ranks := fuzzy.RankFindFold(query, ids)
	sort.Stable(ranks)

	out := make([]proxy.Model, len(ranks))
	for i, r := range ranks {
		out[i] = models[r.OriginalIndex]
	}
	return out
}
