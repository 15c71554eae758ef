package gateway

import (
	"net/http"
	"strconv"

	"github.com/dunglas/httpsfv"
)

// Risk response headers.
const (
	HeaderRiskDecision   = "X-Risk-Decision"
	HeaderRiskDecisionID = "X-Risk-Decision-ID"
	HeaderRiskTTL        = "X-Risk-TTL-Seconds"
	HeaderRiskReasons    = "X-Risk-Reasons"
	HeaderRiskWarnings   = "X-Risk-Warnings"

	DecisionSkipped = "skipped"
)

// SetHeaders writes the risk decision onto h. Reasons and warnings are
// structured-field lists of strings.
func (r *Result) SetHeaders(h http.Header) {
	if r == nil {
		return
	}
	if r.Skipped {
		h.Set(HeaderRiskDecision, DecisionSkipped)
		return
	}
	d := r.Decision
	if d == nil {
		return
	}
	h.Set(HeaderRiskDecision, string(d.Decision))
	h.Set(HeaderRiskDecisionID, d.DecisionID)
	h.Set(HeaderRiskTTL, strconv.Itoa(d.TTLSeconds))
	if v, ok := stringList(d.Reasons); ok {
		h.Set(HeaderRiskReasons, v)
	}
	if v, ok := stringList(d.Warnings); ok {
		h.Set(HeaderRiskWarnings, v)
	}
}

// stringList serializes values as an sf-list. Values that are not valid
// sf-strings (non-ASCII) make the whole header unrepresentable.
func stringList(values []string) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	list := make(httpsfv.List, 0, len(values))
	for _, v := range values {
		list = append(list, httpsfv.NewItem(v))
	}
	s, err := httpsfv.Marshal(list)
	if err != nil {
		return "", false
	}
	return s, true
}

// ParseStringList decodes an sf-list header written by SetHeaders.
func ParseStringList(value string) ([]string, error) {
	list, err := httpsfv.UnmarshalList([]string{value})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, m := range list {
		if item, ok := m.(httpsfv.Item); ok {
			if s, ok := item.Value.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
