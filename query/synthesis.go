package query

import (
	"sort"
	"strings"
	"unicode"
)

// Synthesis is the merged answer across responding nodes.
type Synthesis struct {
	Insights          []string `json:"insights"`
	ContributingNodes []string `json:"contributing_nodes"`
	MeanQuality       float64  `json:"mean_quality"`
	ArtifactCount     int      `json:"artifact_count"`
}

// Synthesize folds node results into one answer. It is pure and its output
// does not depend on the order of results or of artifacts within them.
// Failed nodes are ignored.
func Synthesize(results []NodeResult, q Query) Synthesis {
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultConfig().TopK
	}
	terms := queryTerms(q.Text)

	insights := make(map[string]struct{})
	nodes := make(map[string]struct{})
	var qualities []float64
	for _, res := range results {
		if !res.OK() || len(res.Response.Artifacts) == 0 {
			continue
		}
		name := res.NodeName
		if name == "" {
			name = res.NodeID
		}
		nodes[name] = struct{}{}
		for _, a := range res.Response.Artifacts {
			if a == nil {
				continue
			}
			qualities = append(qualities, a.Quality)
			for _, in := range a.Insights {
				insights[in] = struct{}{}
			}
		}
	}

	type ranked struct {
		text      string
		relevance int
	}
	all := make([]ranked, 0, len(insights))
	for in := range insights {
		all = append(all, ranked{text: in, relevance: relevance(in, terms)})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		if len(a.text) != len(b.text) {
			return len(a.text) > len(b.text)
		}
		return a.text < b.text
	})
	if len(all) > topK {
		all = all[:topK]
	}

	out := Synthesis{
		Insights:          make([]string, len(all)),
		ContributingNodes: make([]string, 0, len(nodes)),
		ArtifactCount:     len(qualities),
	}
	for i, r := range all {
		out.Insights[i] = r.text
	}
	for n := range nodes {
		out.ContributingNodes = append(out.ContributingNodes, n)
	}
	sort.Strings(out.ContributingNodes)

	if len(qualities) > 0 {
		// 排序后求和，浮点结果与输入顺序无关
		sort.Float64s(qualities)
		var sum float64
		for _, v := range qualities {
			sum += v
		}
		out.MeanQuality = sum / float64(len(qualities))
	}
	return out
}

func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// relevance counts distinct query terms contained in insight.
func relevance(insight string, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(insight)
	n := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}
