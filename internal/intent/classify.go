package intent

import (
	"strings"
	"unicode"

	"github.com/resonancehq/control-plane/pkg/models"
)

// ── Command Vocabulary ──────────────────────────────────────

type command struct {
	intent models.Intent
	lang   string
}

// commands maps a normalized message to its command. Matching is on the
// whole message so "estado del proyecto X" is not a status command.
var commands = map[string]command{
	"status":     {models.IntentStatus, "en"},
	"estado":     {models.IntentStatus, "es"},
	"approve":    {models.IntentApprove, "en"},
	"approved":   {models.IntentApprove, "en"},
	"aprobar":    {models.IntentApprove, "es"},
	"apruebo":    {models.IntentApprove, "es"},
	"aprobado":   {models.IntentApprove, "es"},
	"reject":     {models.IntentReject, "en"},
	"rechazar":   {models.IntentReject, "es"},
	"rechazo":    {models.IntentReject, "es"},
	"list-tasks": {models.IntentListTasks, "en"},
	"list tasks": {models.IntentListTasks, "en"},
	"tasks":      {models.IntentListTasks, "en"},
	"tareas":     {models.IntentListTasks, "es"},
	"help":       {models.IntentHelp, "en"},
	"ayuda":      {models.IntentHelp, "es"},
}

// MatchCommand reports the command intent text represents, with the
// language of the matched synonym.
func MatchCommand(text string) (models.Intent, string, bool) {
	c, ok := commands[normalize(text)]
	return c.intent, c.lang, ok
}

// normalize trims, case-folds and drops a leading slash and surrounding
// punctuation.
func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimFunc(s, func(r rune) bool {
		return (unicode.IsPunct(r) && r != '-') || unicode.IsSpace(r)
	})
	return strings.Join(strings.Fields(s), " ")
}

// ── Substantial Requests ────────────────────────────────────

// actionVerbs open a request for real work.
var actionVerbs = map[string]string{
	"necesito":    "es",
	"prepara":     "es",
	"preparar":    "es",
	"redacta":     "es",
	"redactar":    "es",
	"escribe":     "es",
	"escribir":    "es",
	"genera":      "es",
	"generar":     "es",
	"analiza":     "es",
	"analizar":    "es",
	"investiga":   "es",
	"resume":      "es",
	"planifica":   "es",
	"elabora":     "es",
	"crea":        "es",
	"crear":       "es",
	"diseña":      "es",
	"haz":         "es",
	"draft":       "en",
	"write":       "en",
	"prepare":     "en",
	"generate":    "en",
	"analyze":     "en",
	"analyse":     "en",
	"research":    "en",
	"summarize":   "en",
	"summarise":   "en",
	"plan":        "en",
	"create":      "en",
	"design":      "en",
	"build":       "en",
	"compile":     "en",
	"investigate": "en",
}

// Substantial reports whether text should become a pipeline: longer than
// minRunes, or opening with an action verb. The second result is the
// verb's language, empty when the length rule decided.
func Substantial(text string, minRunes int) (bool, string) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) > 0 {
		if lang, ok := actionVerbs[words[0]]; ok {
			return true, lang
		}
		// "I need ...", "please write ..."
		if len(words) > 1 && (words[0] == "please" || words[0] == "i" || words[0] == "porfa") {
			if lang, ok := actionVerbs[words[1]]; ok {
				return true, lang
			}
			if words[0] == "i" && words[1] == "need" {
				return true, "en"
			}
		}
	}
	if minRunes > 0 && len([]rune(strings.TrimSpace(text))) > minRunes {
		return true, ""
	}
	return false, ""
}

// ── Language ────────────────────────────────────────────────

var (
	spanishMarkers = map[string]bool{
		"el": true, "la": true, "los": true, "las": true, "que": true, "de": true,
		"por": true, "para": true, "una": true, "un": true, "con": true, "es": true,
		"hola": true, "gracias": true, "qué": true, "cómo": true, "necesito": true,
		"quiero": true, "mi": true, "sobre": true,
	}
	englishMarkers = map[string]bool{
		"the": true, "and": true, "of": true, "to": true, "is": true, "for": true,
		"with": true, "hello": true, "hi": true, "thanks": true, "what": true,
		"how": true, "please": true, "need": true, "want": true, "my": true, "about": true,
	}
)

// DetectLang guesses "es" or "en" from common words. Ties and empty text
// resolve to Spanish.
func DetectLang(text string) string {
	var es, en int
	for _, r := range text {
		switch r {
		case 'ñ', 'Ñ', '¿', '¡', 'á', 'é', 'í', 'ó', 'ú':
			es++
		}
	}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) }) {
		if spanishMarkers[w] {
			es++
		}
		if englishMarkers[w] {
			en++
		}
	}
	if en > es {
		return "en"
	}
	return "es"
}
