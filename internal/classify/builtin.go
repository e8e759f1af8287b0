package classify

import (
	"regexp"
	"strings"
	"sync"

	"github.com/clearbill/backend/internal/billing"
)

// =============================================================================
// BUILT-IN RULES
// =============================================================================

// builtinRule is one seed rule shipped with the system. Carriers extend
// and override this baseline with persisted mapping rules, which always
// take precedence.
type builtinRule struct {
	MatchType        billing.MatchType
	Pattern          string
	TaxonomyCode     string
	BillingComponent string
	Weight           float64
}

var builtinRules = []builtinRule{
	// IME
	{billing.MatchKeywordSet, "ime,physician,exam", "IME.PHY_EXAM.PROF_FEE", "PROF_FEE", 0.75},
	{billing.MatchKeywordSet, "independent medical examination", "IME.PHY_EXAM.PROF_FEE", "PROF_FEE", 0.80},
	{billing.MatchKeywordSet, "ime,examination", "IME.PHY_EXAM.PROF_FEE", "PROF_FEE", 0.72},
	{billing.MatchRegex, `\bime\b.*\bexam`, "IME.PHY_EXAM.PROF_FEE", "PROF_FEE", 0.78},
	{billing.MatchRegex, `\bindependent medical\b`, "IME.PHY_EXAM.PROF_FEE", "PROF_FEE", 0.80},
	{billing.MatchKeywordSet, "multi.specialty,panel,ime", "IME.MULTI_SPECIALTY.PROF_FEE", "PROF_FEE", 0.80},
	{billing.MatchKeywordSet, "multi-specialty,ime", "IME.MULTI_SPECIALTY.PROF_FEE", "PROF_FEE", 0.80},
	{billing.MatchKeywordSet, "records review,no exam", "IME.RECORDS_REVIEW.PROF_FEE", "PROF_FEE", 0.85},
	{billing.MatchKeywordSet, "file review,no exam", "IME.RECORDS_REVIEW.PROF_FEE", "PROF_FEE", 0.82},
	{billing.MatchRegex, `records?\s+review.*no.?exam`, "IME.RECORDS_REVIEW.PROF_FEE", "PROF_FEE", 0.85},
	{billing.MatchKeywordSet, "addendum,report", "IME.ADDENDUM.PROF_FEE", "PROF_FEE", 0.85},
	{billing.MatchRegex, `\baddendum\b`, "IME.ADDENDUM.PROF_FEE", "PROF_FEE", 0.82},
	{billing.MatchKeywordSet, "peer review", "IME.PEER_REVIEW.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchRegex, `\bpeer.?review\b`, "IME.PEER_REVIEW.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchKeywordSet, "cancellation,fee", "IME.CANCELLATION.CANCEL_FEE", "CANCEL_FEE", 0.90},
	{billing.MatchRegex, `\bcancel`, "IME.CANCELLATION.CANCEL_FEE", "CANCEL_FEE", 0.85},
	{billing.MatchKeywordSet, "no.show,fee", "IME.NO_SHOW.NO_SHOW_FEE", "NO_SHOW_FEE", 0.92},
	{billing.MatchRegex, `no.?show`, "IME.NO_SHOW.NO_SHOW_FEE", "NO_SHOW_FEE", 0.90},
	{billing.MatchKeywordSet, "scheduling,fee", "IME.ADMIN.SCHEDULING_FEE", "SCHEDULING_FEE", 0.80},
	{billing.MatchKeywordSet, "admin,scheduling", "IME.ADMIN.SCHEDULING_FEE", "SCHEDULING_FEE", 0.78},

	// ENG
	{billing.MatchKeywordSet, "property,inspection,engineer", "ENG.PROPERTY_INSPECT.PROF_FEE", "PROF_FEE", 0.82},
	{billing.MatchKeywordSet, "cause,origin", "ENG.CAUSE_ORIGIN.PROF_FEE", "PROF_FEE", 0.90},
	{billing.MatchRegex, `cause\s+(&|and)\s+origin`, "ENG.CAUSE_ORIGIN.PROF_FEE", "PROF_FEE", 0.92},
	{billing.MatchKeywordSet, "structural,assessment", "ENG.STRUCTURAL_ASSESS.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchKeywordSet, "expert,report,engineer", "ENG.EXPERT_REPORT.PROF_FEE", "PROF_FEE", 0.80},
	{billing.MatchKeywordSet, "testimony,deposition", "ENG.TESTIMONY_DEPO.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchKeywordSet, "supplemental,inspection", "ENG.SUPPLEMENTAL_INSPECT.PROF_FEE", "PROF_FEE", 0.82},

	// IA
	{billing.MatchKeywordSet, "field,adjust", "IA.FIELD_ASSIGN.PROF_FEE", "PROF_FEE", 0.82},
	{billing.MatchKeywordSet, "field adjusting,daily rate", "IA.FIELD_ASSIGN.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchKeywordSet, "desk,assignment,adjust", "IA.DESK_ASSIGN.PROF_FEE", "PROF_FEE", 0.82},
	{billing.MatchKeywordSet, "desk assignment", "IA.DESK_ASSIGN.PROF_FEE", "PROF_FEE", 0.82},
	{billing.MatchKeywordSet, "desk,adjust", "IA.DESK_ASSIGN.PROF_FEE", "PROF_FEE", 0.80},
	{billing.MatchKeywordSet, "catastrophe,assignment", "IA.CAT_ASSIGN.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchRegex, `\bcat\s+(assign|deployment|daily)\b`, "IA.CAT_ASSIGN.PROF_FEE", "PROF_FEE", 0.85},
	{billing.MatchKeywordSet, "photo,documentation", "IA.PHOTO_DOC.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchKeywordSet, "supplement,handling", "IA.SUPPLEMENT_HANDLING.PROF_FEE", "PROF_FEE", 0.88},
	{billing.MatchKeywordSet, "file,open,fee", "IA.ADMIN.FILE_OPEN_FEE", "FILE_OPEN_FEE", 0.90},

	// INV
	{billing.MatchKeywordSet, "surveillance", "INV.SURVEILLANCE.PROF_FEE", "PROF_FEE", 0.92},
	{billing.MatchKeywordSet, "recorded,statement", "INV.STATEMENT.PROF_FEE", "PROF_FEE", 0.90},
	{billing.MatchKeywordSet, "background,asset", "INV.BACKGROUND_ASSET.PROF_FEE", "PROF_FEE", 0.85},
	{billing.MatchKeywordSet, "aoe,coe", "INV.AOE_COE.PROF_FEE", "PROF_FEE", 0.92},
	{billing.MatchRegex, `aoe\s*/?\s*coe`, "INV.AOE_COE.PROF_FEE", "PROF_FEE", 0.92},
	{billing.MatchKeywordSet, "skip,trace", "INV.SKIP_TRACE.PROF_FEE", "PROF_FEE", 0.92},

	// REC
	{billing.MatchKeywordSet, "medical,records,retrieval", "REC.MED_RECORDS.RETRIEVAL_FEE", "RETRIEVAL_FEE", 0.88},
	{billing.MatchKeywordSet, "medical records,request", "REC.MED_RECORDS.RETRIEVAL_FEE", "RETRIEVAL_FEE", 0.85},
	{billing.MatchKeywordSet, "copy,per page,records", "REC.MED_RECORDS.COPY_REPRO", "COPY_REPRO", 0.82},
	{billing.MatchKeywordSet, "rush,records", "REC.MED_RECORDS.RUSH_PREMIUM", "RUSH_PREMIUM", 0.85},
	{billing.MatchKeywordSet, "certified,copy", "REC.MED_RECORDS.CERT_COPY_FEE", "CERT_COPY_FEE", 0.85},
	{billing.MatchKeywordSet, "employment,records", "REC.EMPLOYMENT_RECORDS.RETRIEVAL_FEE", "RETRIEVAL_FEE", 0.88},
	{billing.MatchKeywordSet, "court,records", "REC.LEGAL_RECORDS.RETRIEVAL_FEE", "RETRIEVAL_FEE", 0.85},
	{billing.MatchKeywordSet, "police,report", "REC.LEGAL_RECORDS.RETRIEVAL_FEE", "RETRIEVAL_FEE", 0.82},

	// Cross-domain travel and mileage heuristics. Deliberately low
	// weight so domain-specific rules win when both match.
	{billing.MatchRegex, `\bmileage\b`, "IME.PHY_EXAM.MILEAGE", "MILEAGE", 0.60},
	{billing.MatchRegex, `\bmiles?\b`, "IME.PHY_EXAM.MILEAGE", "MILEAGE", 0.55},
	{billing.MatchKeywordSet, "airfare", "IME.PHY_EXAM.TRAVEL_TRANSPORT", "TRAVEL_TRANSPORT", 0.65},
	{billing.MatchKeywordSet, "lodging", "IME.PHY_EXAM.TRAVEL_LODGING", "TRAVEL_LODGING", 0.60},
	{billing.MatchKeywordSet, "hotel", "IME.PHY_EXAM.TRAVEL_LODGING", "TRAVEL_LODGING", 0.58},
	{billing.MatchKeywordSet, "meals,per diem", "IME.PHY_EXAM.TRAVEL_MEALS", "TRAVEL_MEALS", 0.65},
	{billing.MatchKeywordSet, "pass.through", "XDOMAIN.PASS_THROUGH.THIRD_PARTY_COST", "THIRD_PARTY_COST", 0.70},
}

// =============================================================================
// COMPILED RULE CACHE
// =============================================================================

// compiledRule holds a builtin rule with its pattern pre-processed.
type compiledRule struct {
	builtinRule
	regex    *regexp.Regexp
	keywords []string
}

var (
	compileOnce sync.Once
	compiled    []compiledRule
)

// compiledBuiltins returns the rule table with regexes compiled and
// keyword sets split. Compiled once per process; rules whose regex does
// not compile are dropped with a log line.
func compiledBuiltins() []compiledRule {
	compileOnce.Do(func() {
		compiled = make([]compiledRule, 0, len(builtinRules))
		for _, rule := range builtinRules {
			cr := compiledRule{builtinRule: rule}
			switch rule.MatchType {
			case billing.MatchRegex:
				rx, err := regexp.Compile("(?i)" + rule.Pattern)
				if err != nil {
					logger.Printf("invalid regex in builtin rules: %q: %v", rule.Pattern, err)
					continue
				}
				cr.regex = rx
			case billing.MatchKeywordSet:
				cr.keywords = splitKeywords(rule.Pattern)
			}
			compiled = append(compiled, cr)
		}
	})
	return compiled
}

// splitKeywords breaks a keyword_set pattern into lowercased keywords.
// Comma and pipe both separate; empty fragments are dropped.
func splitKeywords(pattern string) []string {
	fields := strings.FieldsFunc(pattern, func(r rune) bool {
		return r == ',' || r == '|'
	})
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		if kw := strings.ToLower(strings.TrimSpace(f)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

// keywordsPresent reports whether every keyword occurs in the
// description. A keyword also counts as present when its hyphens and
// periods are removed, so "multi.specialty" matches "multispecialty".
func keywordsPresent(keywords []string, descLower string) bool {
	for _, kw := range keywords {
		if strings.Contains(descLower, kw) {
			continue
		}
		stripped := strings.NewReplacer(".", "", "-", "").Replace(kw)
		if !strings.Contains(descLower, stripped) {
			return false
		}
	}
	return len(keywords) > 0
}
