package approval

import (
	"regexp"
	"strings"

	"github.com/resonancehq/control-plane/pkg/models"
)

// ── Risk Classification ─────────────────────────────────────
// Keyword patterns in English and Spanish. Irreversible actions form a
// fixed safety floor that every HITL level gates.

type riskPattern struct {
	re     *regexp.Regexp
	kind   models.ActionKind
	entity string
}

var irreversiblePatterns = []riskPattern{
	{regexp.MustCompile(`(?i)\b(delete|remove|drop|destroy|purge|wipe)\b`), models.ActionDelete, "record"},
	{regexp.MustCompile(`(?i)\b(borrar|borra|eliminar|elimina|suprimir|suprime)\b`), models.ActionDelete, "record"},
	{regexp.MustCompile(`(?i)\b(publish|publica|publicar|tweet)\b`), models.ActionAgentAction, "publication"},
	{regexp.MustCompile(`(?i)\b(send|email|e-mail|enviar|envía|envia|manda|mandar)\b`), models.ActionAgentAction, "message"},
}

var routinePatterns = []riskPattern{
	{regexp.MustCompile(`(?i)\b(create|add|crear|crea|añadir|agrega|agregar)\b`), models.ActionCreate, "record"},
	{regexp.MustCompile(`(?i)\b(update|edit|modify|actualizar|actualiza|modificar|modifica|editar)\b`), models.ActionUpdate, "record"},
	{regexp.MustCompile(`(?i)\b(schedule|programar|programa|agendar|agenda)\b`), models.ActionCreate, "event"},
	{regexp.MustCompile(`(?i)\b(webhook|integration|integración|api call)\b`), models.ActionAgentAction, "integration"},
}

var (
	actionLine = regexp.MustCompile(`(?im)^\s*ACTION:\s*(.+)$`)
	// Leading list markers: "- ", "* ", "1. ", "2) ".
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])?\s*`)
)

// Assessment is the typed result of classifying text.
type Assessment struct {
	Level      models.RiskLevel
	ActionKind models.ActionKind
	EntityType string
	// Action is the proposed-action text that was classified.
	Action string
}

// Classify inspects text for mutating or externally visible actions.
// When the text carries "ACTION:" lines those lines are classified in full
// and the result is at least routine. Otherwise only lines that open with
// an imperative verb are considered, so prose that merely mentions an
// action does not trip the gate.
func Classify(text string, hint bool) Assessment {
	var subjects []string
	if lines := actionLines(text); len(lines) > 0 {
		subjects = lines
		hint = true
	} else {
		subjects = imperativeLines(text)
	}
	subject := strings.Join(subjects, "\n")

	for _, p := range irreversiblePatterns {
		if p.re.MatchString(subject) {
			return Assessment{Level: models.RiskIrreversible, ActionKind: p.kind, EntityType: p.entity, Action: subject}
		}
	}
	for _, p := range routinePatterns {
		if p.re.MatchString(subject) {
			return Assessment{Level: models.RiskRoutine, ActionKind: p.kind, EntityType: p.entity, Action: subject}
		}
	}
	if hint {
		return Assessment{Level: models.RiskRoutine, ActionKind: models.ActionAgentAction, EntityType: "action", Action: strings.TrimSpace(text)}
	}
	return Assessment{Level: models.RiskNone}
}

// RequiresApproval applies the gating policy: irreversible actions are
// always gated; routine ones unless the agent is autonomous.
func RequiresApproval(level models.RiskLevel, hitl models.HITLLevel) bool {
	switch level {
	case models.RiskIrreversible:
		return true
	case models.RiskRoutine:
		return hitl != models.HITLAutonomous
	default:
		return false
	}
}

// AgentLevel is the agent's HITL level, defaulting to the strictest level
// when the agent is unknown or its level is not set.
func AgentLevel(a *models.Agent) models.HITLLevel {
	if a == nil || !a.HITL.Valid() {
		return models.HITLFullManual
	}
	return a.HITL
}

func actionLines(text string) []string {
	var out []string
	for _, m := range actionLine.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// imperativeLines returns the lines whose first word is an action verb.
func imperativeLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		rest := listMarker.ReplaceAllString(line, "")
		first, _, _ := strings.Cut(rest, " ")
		first = strings.Trim(first, ".,:;!¡?¿\"'")
		if first == "" {
			continue
		}
		if matchesAny(first) {
			out = append(out, strings.TrimSpace(rest))
		}
	}
	return out
}

func matchesAny(word string) bool {
	for _, set := range [][]riskPattern{irreversiblePatterns, routinePatterns} {
		for _, p := range set {
			if p.re.MatchString(word) {
				return true
			}
		}
	}
	return false
}
