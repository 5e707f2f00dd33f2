// Package correlation cross-references static scanner findings against
// runtime log activity to decide whether a vulnerability is being actively
// exploited. The engine is pure and deterministic; the rule matrix is
// read-only data defined at build time.
package correlation

// Rule links a finding rule code to the log patterns that indicate active
// exploitation, with the verdict and attack-framework mapping applied on a
// match.
type Rule struct {
	LogPatterns []string
	Verdict     string
	Tactic      string
	Technique   string
}

// Rules is the correlation rule matrix, keyed by finding rule code.
// Findings with no entry pass through the engine unchanged.
var Rules = map[string]Rule{
	"gcp_002": {
		LogPatterns: []string{
			"Invalid user",
			"Failed password",
			"refused connect",
			"Connection closed by authenticating user",
		},
		Verdict:   "Brute Force Attempt in Progress",
		Tactic:    "TA0006",
		Technique: "T1110",
	},
	"gcp_004": {
		LogPatterns: []string{
			"AnonymousAccess",
			"GetObject",
			"storage.objects.get",
			"allUsers",
		},
		Verdict:   "Data Exfiltration Occurring",
		Tactic:    "TA0010",
		Technique: "T1530",
	},
	"gcp_006": {
		LogPatterns: []string{
			"compute@developer.gserviceaccount.com",
			"CreateServiceAccountKey",
			"SetIamPolicy",
		},
		Verdict:   "Privilege Escalation Risk",
		Tactic:    "TA0004",
		Technique: "T1078.004",
	},
	"log_002": {
		LogPatterns: []string{
			"Invalid user",
			"brute",
			"Connection refused",
			"unauthorized",
		},
		Verdict:   "Unauthorized Access Attempt",
		Tactic:    "TA0001",
		Technique: "T1078",
	},
}

// Lookup returns the rule for a code, if registered.
func Lookup(ruleCode string) (Rule, bool) {
	rule, ok := Rules[ruleCode]
	return rule, ok
}
