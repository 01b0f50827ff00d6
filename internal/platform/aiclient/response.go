package aiclient

// AIResponseKind tags which shape an AIResponse actually carries.
type AIResponseKind string

const (
	KindInsights AIResponseKind = "insights"
	KindSummary  AIResponseKind = "summary"
	KindBullets  AIResponseKind = "bullets"
	KindRaw      AIResponseKind = "raw"
	KindEmpty    AIResponseKind = "empty"
)

var insightKeys = []string{"key_findings", "next_best_actions", "patient_friendly_advice", "risk_score"}

// AIResponse is the tagged union the analyze endpoint's untyped JSON is
// coerced into: exactly one of its payload fields is meaningful,
// determined by Kind.
type AIResponse struct {
	Kind   AIResponseKind `json:"-"`
	Status string         `json:"status"`

	KeyFindings     interface{} `json:"key_findings,omitempty"`
	NextBestActions interface{} `json:"next_best_actions,omitempty"`
	PatientAdvice   interface{} `json:"patient_friendly_advice,omitempty"`
	RiskScore       interface{} `json:"risk_score,omitempty"`

	Raw interface{} `json:"raw,omitempty"`

	Summary string `json:"summary,omitempty"`

	Bullets []interface{} `json:"bullets,omitempty"`
}

const summaryMaxLen = 1200
const bulletsMaxLen = 10

// FromUntyped coerces an arbitrary decoded-JSON value into an AIResponse
// per the analyze endpoint's response contract:
//   - a dict carrying any insight key is projected into the Insights shape
//   - any other dict is wrapped as {status:"ok", raw:...}
//   - a string becomes {status:"ok", summary:str[:1200]}
//   - a list becomes {status:"ok", bullets:list[:10]}
//   - anything else becomes {status:"ok"}
func FromUntyped(v interface{}) AIResponse {
	switch val := v.(type) {
	case map[string]interface{}:
		if hasAnyInsightKey(val) {
			return AIResponse{
				Kind:            KindInsights,
				Status:          statusOr(val, "ok"),
				KeyFindings:     val["key_findings"],
				NextBestActions: val["next_best_actions"],
				PatientAdvice:   val["patient_friendly_advice"],
				RiskScore:       val["risk_score"],
			}
		}
		return AIResponse{Kind: KindRaw, Status: "ok", Raw: val}

	case string:
		if len(val) > summaryMaxLen {
			val = val[:summaryMaxLen]
		}
		return AIResponse{Kind: KindSummary, Status: "ok", Summary: val}

	case []interface{}:
		if len(val) > bulletsMaxLen {
			val = val[:bulletsMaxLen]
		}
		return AIResponse{Kind: KindBullets, Status: "ok", Bullets: val}

	default:
		return AIResponse{Kind: KindEmpty, Status: "ok"}
	}
}

func hasAnyInsightKey(m map[string]interface{}) bool {
	for _, k := range insightKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func statusOr(m map[string]interface{}, fallback string) string {
	if s, ok := m["status"].(string); ok && s != "" {
		return s
	}
	return fallback
}
