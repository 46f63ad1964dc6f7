// Package classify extracts conversational signals from inbound message text.
//
// Classification is pure and deterministic: no I/O, no model calls. Text goes
// through a strict normalization (control/zero-width stripping, diacritic
// removal, lowercasing) used for anchored matches, and a second lossier
// normalization (punctuation and hyphens collapsed to spaces) used only for
// fuzzy vocabulary membership, never for display. All matchers run
// independently; none short-circuits another.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/servibot/servibot/internal/models"
)

// diacriticStripper decomposes to NFD and drops combining marks, so "sartén"
// and "sarten" classify identically.
var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var (
	// greetingOnlyRe must consume the entire strict-normalized text: a
	// greeting embedded in a longer sentence is not a greeting-only message.
	greetingOnlyRe = regexp.MustCompile(`^(hi|hiya|hello|hey|yo|howdy|good\s+(morning|afternoon|evening|day)|greetings)[\s!.,:;?]*$`)

	statusRe = regexp.MustCompile(`\b(status|progress|tracking|order (number|ref|reference)|any news|any update|update on|how('?s| is) (my|the) (order|repair|service))\b`)

	humanRe = regexp.MustCompile(`\b(human|agent|operator|representative|real person|speak (to|with) (someone|a person)|talk (to|with) (someone|a person)|transfer me|escalate)\b`)

	// Deferral patterns require the farewell object ("see you", not "see
	// what"), so investigative phrasing that shares a verb does not match.
	deferralRe = regexp.MustCompile(`\b(good ?bye|bye|see you|talk (to you )?later|get back to you|i('| wi)?ll let you know|let you know later|i('| wi)?ll think (about it|it over)|check with my \w+|not (right )?now thanks|maybe later)\b`)

	installRe = regexp.MustCompile(`\binstall\w*\b|\bset(ting)? up\b|\bhook(ing)? up\b|\bmount(ing)?\b`)

	// Negation within a bounded window before the install vocabulary, or the
	// explicit "not (an) installation" phrase.
	negatedInstallRe = regexp.MustCompile(`\b(not?|don'?t|doesn'?t|isn'?t|won'?t|without|no need (for )?)\s+(\w+\s+){0,2}?install\w*\b`)
	notInstallRe     = regexp.MustCompile(`\b(is(n'?t| not)?|it'?s)?\s*not\s+(an?\s+)?install(ation)?\b`)

	repairRe = regexp.MustCompile(`\b(won'?t (turn on|power( on)?|start|heat( up)?|light|ignite|cool)|do(es)?n'?t (turn on|heat|work|light|ignite|cool)|not (heating|cooling|working|lighting)|stopped working|gas smell|smells? (of |like )?gas|burner|flame|pilot light|leak(ing|s)?|spark(ing|s)?|error code|broken|broke( down)?|repair\w*|fix(ing|ed)?\b|maintenance|servicing|acting up|making (a )?(noise|noises)|tripp(ed|ing) the breaker)\b`)
)

// Classify extracts all conversational signals from one inbound message.
func Classify(text string) models.Signals {
	strict := normalizeStrict(text)
	loose := normalizeLoose(strict)

	return models.Signals{
		IsGreetingOnly:  greetingOnlyRe.MatchString(strict),
		WantsStatus:     statusRe.MatchString(loose),
		WantsHuman:      humanRe.MatchString(loose),
		IsDeferralOrBye: deferralRe.MatchString(loose),
		MentionsInstall: installRe.MatchString(loose),
		NegatedInstall:  negatedInstallRe.MatchString(loose) || notInstallRe.MatchString(loose),
		LooksLikeRepair: repairRe.MatchString(loose),
	}
}

// normalizeStrict strips control and zero-width characters, removes
// diacritics, lowercases and trims. Anchored matchers run against this form.
func normalizeStrict(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) || isZeroWidth(r) {
			continue
		}
		b.WriteRune(r)
	}

	stripped, _, err := transform.String(diacriticStripper, b.String())
	if err != nil {
		// Fall back to the un-decomposed text; matchers still work for ASCII.
		stripped = b.String()
	}
	return strings.TrimSpace(strings.ToLower(stripped))
}

// normalizeLoose converts punctuation and hyphens to spaces and collapses
// whitespace, so hyphen-variant compound equipment names ("cook-top") match
// the same vocabulary as their spaced or joined forms.
func normalizeLoose(strict string) string {
	var b strings.Builder
	b.Grow(len(strict))
	for _, r := range strict {
		switch {
		case r == '\'':
			// Keep apostrophes: contractions carry negation ("won't", "don't").
			b.WriteRune(r)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}
