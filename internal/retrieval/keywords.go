// internal/retrieval/keywords.go
package retrieval

import "strings"

const maxKeywords = 5

// defaultVocabulary holds domain terms matched before falling back to raw
// word splitting. The lists are tuned for Russian exam queries; both are
// replaceable via NewKeywordExtractor.
var defaultVocabulary = []string{
	// subjects
	"математика", "алгебра", "геометрия", "русский язык", "физика",
	"химия", "биология", "информатика", "история", "обществознание",
	// topics and operations
	"уравнение", "неравенство", "функция", "производная", "интеграл",
	"дробь", "процент", "степень", "корень", "логарифм", "вероятность",
	"треугольник", "окружность", "площадь", "объём", "график", "вектор",
	"синус", "косинус", "тангенс", "прогрессия", "квадратное уравнение",
	// action verbs
	"реши", "решить", "найди", "найти", "вычисли", "вычислить",
	"докажи", "доказать", "упрости", "упростить", "объясни", "объяснить",
}

var defaultStopWords = map[string]struct{}{
	"как":     {},
	"что":     {},
	"это":     {},
	"для":     {},
	"чем":     {},
	"или":     {},
	"если":    {},
	"меня":    {},
	"мне":     {},
	"надо":    {},
	"нужно":   {},
	"можно":   {},
	"такое":   {},
	"почему":  {},
	"сколько": {},
	"который": {},
	"пожалуйста": {},
}

// KeywordExtractor pulls search terms out of free-text queries using a
// two-tier strategy: vocabulary matches first, generic word splitting as
// the fallback.
type KeywordExtractor struct {
	vocabulary []string
	stopWords  map[string]struct{}
}

func NewKeywordExtractor(vocabulary []string, stopWords []string) *KeywordExtractor {
	e := &KeywordExtractor{vocabulary: vocabulary}
	if len(e.vocabulary) == 0 {
		e.vocabulary = defaultVocabulary
	}
	if len(stopWords) == 0 {
		e.stopWords = defaultStopWords
	} else {
		e.stopWords = make(map[string]struct{}, len(stopWords))
		for _, w := range stopWords {
			e.stopWords[strings.ToLower(w)] = struct{}{}
		}
	}
	return e
}

// Extract returns up to five lowercase search terms. Vocabulary terms found
// as substrings of the query win; otherwise the query is split into words,
// stop words and words of three runes or fewer are dropped.
func (e *KeywordExtractor) Extract(query string) []string {
	lower := strings.ToLower(strings.TrimSpace(query))
	if lower == "" {
		return nil
	}

	var matched []string
	for _, term := range e.vocabulary {
		if strings.Contains(lower, term) {
			matched = append(matched, term)
			if len(matched) == maxKeywords {
				break
			}
		}
	}
	if len(matched) > 0 {
		return matched
	}

	var words []string
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".,!?;:()\"«»")
		if len([]rune(w)) <= 3 {
			continue
		}
		if _, stop := e.stopWords[w]; stop {
			continue
		}
		words = append(words, w)
		if len(words) == maxKeywords {
			break
		}
	}
	return words
}
