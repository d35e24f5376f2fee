package routing

// Sync target names used by the default rule table.
const (
	TargetReferral = "referral"
	TargetTraffic  = "traffic"
)

// UTMFields are the attribution tags the amoCRM adapter flattens into the payload.
var UTMFields = []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"}

// campaignPatterns maps each traffic manager to the substrings that identify
// their campaigns in utm_campaign or utm_source.
var campaignPatterns = []struct {
	name     string
	patterns []string
}{
	{"kenesary", []string{"tripwire", "nutcab", "kenesary", "kenji"}},
	{"arystan", []string{"arystan"}},
	{"muha", []string{"on ai", "onai", "запуск", "yourmarketolog", "muha"}},
	{"traf4", []string{"alex", "traf4", "proftest", "pb_agency"}},
}

// DefaultRules returns the rule table used when no rules are configured.
func DefaultRules() []Rule {
	rules := []Rule{{
		Name:   "referral_source",
		Target: TargetReferral,
		When:   []Condition{{Field: "utm_source", Prefix: []string{"ref_", "referral"}}},
	}}

	for _, cp := range campaignPatterns {
		rules = append(rules, Rule{
			Name:   "traffic_" + cp.name,
			Target: TargetTraffic,
			AnyOf: []Condition{
				{Field: "utm_campaign", ContainsAny: cp.patterns},
				{Field: "utm_source", ContainsAny: cp.patterns},
			},
		})
	}

	// Deals with no attribution at all are reported to both programs.
	noUTM := make([]Condition, 0, len(UTMFields))
	for _, f := range UTMFields {
		noUTM = append(noUTM, Condition{Field: f, Absent: true})
	}
	rules = append(rules,
		Rule{Name: "unattributed_referral", Target: TargetReferral, When: noUTM},
		Rule{Name: "unattributed_traffic", Target: TargetTraffic, When: noUTM},
	)
	return rules
}
