package voice

import "strings"

// digitWords maps single-digit words as they appear in speech transcripts.
var digitWords = map[string]string{
	"zero": "0", "oh": "0",
	"one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// spokenValueContext marks words that indicate a spoken quantity rather than
// a digit sequence. A digit-word run touching one of these is left alone, so
// "one hundred and fifty" survives while "one two three" collapses to "123".
var spokenValueContext = map[string]bool{
	"hundred": true, "thousand": true, "million": true, "billion": true,
	"and": true, "point": true,
	"ten": true, "eleven": true, "twelve": true, "thirteen": true,
	"fourteen": true, "fifteen": true, "sixteen": true, "seventeen": true,
	"eighteen": true, "nineteen": true,
	"twenty": true, "thirty": true, "forty": true, "fifty": true,
	"sixty": true, "seventy": true, "eighty": true, "ninety": true,
}

// CanonicalizeNumerals collapses spoken digit sequences into digit strings:
// "one two three" becomes "123", "account 1 2 3 4" becomes "account 1234".
// Runs adjacent to quantity words are preserved as spoken, and a lone digit
// word is never rewritten.
func CanonicalizeNumerals(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text
	}

	out := make([]string, 0, len(fields))
	for i := 0; i < len(fields); {
		if _, _, ok := digitToken(fields[i]); !ok {
			out = append(out, fields[i])
			i++
			continue
		}

		// Extend the run of digit tokens. A punctuated token closes the run,
		// keeping its punctuation on the collapsed result.
		j := i
		var digits strings.Builder
		var suffix string
		for j < len(fields) {
			d, sfx, ok := digitToken(fields[j])
			if !ok {
				break
			}
			digits.WriteString(d)
			suffix = sfx
			j++
			if sfx != "" {
				break
			}
		}

		runLen := j - i
		if runLen < 2 || touchesSpokenValue(fields, i, j) {
			out = append(out, fields[i:j]...)
		} else {
			out = append(out, digits.String()+suffix)
		}
		i = j
	}
	return strings.Join(out, " ")
}

// digitToken reports whether a field is a single-digit token (word or
// numeral), returning the digit and any trailing punctuation.
func digitToken(field string) (digit, suffix string, ok bool) {
	core := field
	for len(core) > 0 {
		last := core[len(core)-1]
		if last == '.' || last == ',' || last == '?' || last == '!' || last == ';' || last == ':' {
			core = core[:len(core)-1]
			continue
		}
		break
	}
	suffix = field[len(core):]

	lower := strings.ToLower(core)
	if d, found := digitWords[lower]; found {
		return d, suffix, true
	}
	if len(core) == 1 && core[0] >= '0' && core[0] <= '9' {
		return core, suffix, true
	}
	return "", "", false
}

// touchesSpokenValue reports whether the run fields[i:j] borders a quantity
// word on either side.
func touchesSpokenValue(fields []string, i, j int) bool {
	if i > 0 && spokenValueContext[normalize(fields[i-1])] {
		return true
	}
	if j < len(fields) && spokenValueContext[normalize(fields[j])] {
		return true
	}
	return false
}

func normalize(field string) string {
	return strings.ToLower(strings.Trim(field, ".,?!;:"))
}
