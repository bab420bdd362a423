package render

import "strings"

// DefaultCategory is assigned when no mapping rule matches.
const DefaultCategory = "動画"

// categoryRules maps genre keywords to site categories. Order matters:
// the first matching rule wins.
var categoryRules = []struct {
	Name     string
	Keywords []string
}{
	{"VR作品", []string{"VR", "ハイクオリティVR"}},
	{"アニメ・2D", []string{"アニメ", "二次元", "CG"}},
	{"素人・ナンパ", []string{"素人", "ナンパ", "投稿", "地味"}},
	{"熟女・人妻", []string{"熟女", "人妻", "お姉さん", "四十路", "美魔女", "お母さん"}},
	{"美少女・若手", []string{"美少女", "若手", "新人", "10代", "女子大生"}},
	{"巨乳・爆乳", []string{"巨乳", "爆乳", "爆にゅう"}},
	{"単体女優", []string{"単体作品"}},
	{"企画・バラエティ", []string{"企画", "バラエティー", "コスプレ"}},
}

// CategoryFor picks the site category for a product. A VR mention in the
// title takes priority over genre keywords.
func CategoryFor(title string, genres []string) string {
	if strings.Contains(strings.ToUpper(title), "VR") {
		return "VR作品"
	}
	joined := strings.Join(genres, "")
	for _, rule := range categoryRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(joined, kw) {
				return rule.Name
			}
		}
	}
	return DefaultCategory
}
