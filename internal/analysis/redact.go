package analysis

import (
	"regexp"
	"slices"
	"strings"
)

// Placeholders substituted for identifying fragments.
const (
	PlaceholderName    = "[student-name]"
	PlaceholderPhone   = "[phone-number]"
	PlaceholderEmail   = "[email-address]"
	PlaceholderAddress = "[address]"
)

var (
	namePattern    = regexp.MustCompile(`[一-龥々]{2,4}(?:さん|君|ちゃん)?`)
	phonePattern   = regexp.MustCompile(`\d{2,4}[-\s]?\d{2,4}[-\s]?\d{4}`)
	emailPattern   = regexp.MustCompile(`[\w.\-]+@[\w.\-]+\.\w+`)
	addressPattern = regexp.MustCompile(`[一-龥々]{1,3}[都道府県][一-龥々]{1,5}[市区町村][一-龥々ぁ-んァ-ヶー0-9０-９\-－]*`)
)

// commonWords are ideograph runs that read as ordinary nouns around contact
// details. They are kept unless followed by an honorific.
var commonWords = map[string]struct{}{
	"電話":   {},
	"電話番号": {},
	"番号":   {},
	"連絡":   {},
	"連絡先":  {},
	"住所":   {},
	"相談":   {},
	"質問":   {},
	"授業":   {},
	"先生":   {},
	"名前":   {},
	"自分":   {},
}

var honorifics = []string{"さん", "君", "ちゃん"}

// Redactor replaces identifying fragments of free text with placeholders.
// It is a best-effort heuristic: over-redaction is preferred to leaking.
type Redactor struct {
	institutionalDomains []string
}

// NewRedactor returns a Redactor that leaves addresses in the given
// institutional domains untouched.
func NewRedactor(institutionalDomains []string) *Redactor {
	domains := make([]string, 0, len(institutionalDomains))
	for _, domain := range institutionalDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			domains = append(domains, "@"+domain)
		}
	}
	return &Redactor{institutionalDomains: domains}
}

// Redact substitutes names, phone numbers, emails and addresses. Names are
// matched after the phone and email steps, which never touch ideographs, so
// the spans shielded from name matching are exactly the addresses replaced.
// It never fails and is idempotent.
func (r *Redactor) Redact(text string) string {
	text = phonePattern.ReplaceAllString(text, PlaceholderPhone)
	text = emailPattern.ReplaceAllStringFunc(text, r.redactEmail)
	return redactNamesAndAddresses(text)
}

type span struct {
	start, end  int
	placeholder string
}

func redactNamesAndAddresses(text string) string {
	addresses := addressPattern.FindAllStringIndex(text, -1)

	spans := make([]span, 0, len(addresses))
	for _, loc := range addresses {
		spans = append(spans, span{start: loc[0], end: loc[1], placeholder: PlaceholderAddress})
	}
	for _, loc := range namePattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if overlaps(addresses, start, end) || !looksLikeName(text[start:end]) {
			continue
		}
		spans = append(spans, span{start: start, end: end, placeholder: PlaceholderName})
	}
	if len(spans) == 0 {
		return text
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })

	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp.start])
		b.WriteString(sp.placeholder)
		last = sp.end
	}
	b.WriteString(text[last:])
	return b.String()
}

func (r *Redactor) redactEmail(match string) string {
	lower := strings.ToLower(match)
	for _, suffix := range r.institutionalDomains {
		if strings.HasSuffix(lower, suffix) {
			return match
		}
	}
	return PlaceholderEmail
}

func looksLikeName(match string) bool {
	for _, honorific := range honorifics {
		if strings.HasSuffix(match, honorific) {
			return true
		}
	}
	_, common := commonWords[match]
	return !common
}

func overlaps(spans [][]int, start, end int) bool {
	for _, span := range spans {
		if start < span[1] && span[0] < end {
			return true
		}
	}
	return false
}
