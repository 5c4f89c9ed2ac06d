package normalize

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StripDiacritics removes combining marks: "Constitución" -> "Constitucion".
func StripDiacritics(s string) string {
	// Transformers carry state, so one chain per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// CollapseSpace trims s and folds runs of whitespace into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fold lowercases, strips diacritics, turns spelled-out numbers into digits
// and reduces punctuation to spaces. Slashes survive for "39/2015" and dots
// survive between digits for "23.2".
func Fold(s string) string {
	s = strings.ToLower(StripDiacritics(s))
	s = strings.NewReplacer("º", "", "ª", "", "°", "").Replace(s)

	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/':
			b.WriteRune(r)
		case r == '.' && i > 0 && i+1 < len(rs) && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return CollapseSpace(WordsToDigits(b.String()))
}

var numberWords = map[string]int{
	"cero": 0, "uno": 1, "dos": 2, "tres": 3, "cuatro": 4, "cinco": 5,
	"seis": 6, "siete": 7, "ocho": 8, "nueve": 9, "diez": 10,
	"once": 11, "doce": 12, "trece": 13, "catorce": 14, "quince": 15,
	"dieciseis": 16, "diecisiete": 17, "dieciocho": 18, "diecinueve": 19,
	"veinte": 20, "veintiuno": 21, "veintiun": 21, "veintiuna": 21,
	"veintidos": 22, "veintitres": 23, "veinticuatro": 24, "veinticinco": 25,
	"veintiseis": 26, "veintisiete": 27, "veintiocho": 28, "veintinueve": 29,
	"treinta": 30, "cuarenta": 40, "cincuenta": 50, "sesenta": 60,
	"setenta": 70, "ochenta": 80, "noventa": 90,
	"cien": 100, "ciento": 100,
	"doscientos": 200, "doscientas": 200, "trescientos": 300, "trescientas": 300,
	"cuatrocientos": 400, "cuatrocientas": 400, "quinientos": 500, "quinientas": 500,
	"seiscientos": 600, "seiscientas": 600, "setecientos": 700, "setecientas": 700,
	"ochocientos": 800, "ochocientas": 800, "novecientos": 900, "novecientas": 900,
}

var ordinalWords = map[string]int{
	"primero": 1, "primera": 1, "primer": 1,
	"segundo": 2, "segunda": 2,
	"tercero": 3, "tercera": 3, "tercer": 3,
	"cuarto": 4, "cuarta": 4,
	"quinto": 5, "quinta": 5,
	"sexto": 6, "sexta": 6,
	"septimo": 7, "septima": 7, "setimo": 7,
	"octavo": 8, "octava": 8,
	"noveno": 9, "novena": 9,
	"decimo": 10, "decima": 10,
}

// WordsToDigits replaces runs of Spanish number words in folded text with
// digits: "veinticuatro" -> "24", "treinta y uno" -> "31", "primero" -> "1".
// Ordinals stand alone; cardinals combine up to 999.
func WordsToDigits(s string) string {
	words := strings.Fields(s)
	out := make([]string, 0, len(words))

	for i := 0; i < len(words); {
		if v, ok := ordinalWords[words[i]]; ok {
			out = append(out, strconv.Itoa(v))
			i++
			continue
		}
		total, n := parseCardinal(words[i:])
		if n == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, strconv.Itoa(total))
		i += n
	}
	return strings.Join(out, " ")
}

// parseCardinal consumes a cardinal number phrase from the front of words and
// returns its value and the number of words consumed.
func parseCardinal(words []string) (int, int) {
	total, consumed := 0, 0
	lastTens := false
	for consumed < len(words) {
		w := words[consumed]
		if w == "y" && lastTens && consumed+1 < len(words) {
			if v, ok := numberWords[words[consumed+1]]; ok && v > 0 && v < 10 {
				total += v
				consumed += 2
				lastTens = false
				continue
			}
			break
		}
		v, ok := numberWords[w]
		if !ok {
			break
		}
		// "dos tres" is two numbers, not five: stop when magnitudes collide.
		if consumed > 0 && !accepts(total, v) {
			break
		}
		total += v
		lastTens = v >= 30 && v < 100
		consumed++
	}
	return total, consumed
}

func accepts(total, next int) bool {
	switch {
	case next >= 100:
		return false
	case total%100 == 0:
		return true
	default:
		return false
	}
}
