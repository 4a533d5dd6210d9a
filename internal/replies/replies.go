// Package replies holds the user-facing chat texts in every supported
// language. Spanish is the default.
package replies

import "fmt"

// ID names one reply template.
type ID string

const (
	Onboarding       ID = "onboarding"
	WorkspaceSetup   ID = "workspace_setup"
	Help             ID = "help"
	Accepted         ID = "accepted"
	Progress         ID = "progress"
	NoActive         ID = "no_active"
	Completed        ID = "completed"
	Failed           ID = "failed"
	BudgetExceeded   ID = "budget_exceeded"
	ApprovalNeeded   ID = "approval_needed"
	Approved         ID = "approved"
	Rejected         ID = "rejected"
	ActionRejected   ID = "action_rejected"
	NothingToApprove ID = "nothing_to_approve"
	TaskList         ID = "task_list"
	TaskListEmpty    ID = "task_list_empty"
	DocumentSaved    ID = "document_saved"
	ChatUnavailable  ID = "chat_unavailable"
	Simulated        ID = "simulated"
)

// DefaultLang is used when the language cannot be inferred.
const DefaultLang = "es"

var catalog = map[string]map[ID]string{
	"es": {
		Onboarding:       "Hola 👋 Aún no tengo vinculada tu cuenta. Conéctala desde la app para empezar a trabajar conmigo.",
		WorkspaceSetup:   "Tu cuenta está vinculada, pero todavía no tienes un espacio de trabajo. Crea uno en la app y vuelve a escribirme.",
		Help:             "Puedo ayudarte con:\n• *estado*: progreso de la tarea en curso\n• *aprobar* / *rechazar*: responder a una acción pendiente\n• *tareas*: ver tus últimas tareas\n• *ayuda*: este mensaje\nO simplemente descríbeme lo que necesitas.",
		Accepted:         "✅ Entendido. Empiezo a trabajar en ello y te aviso cuando esté listo.",
		Progress:         "⏳ Sigo trabajando en tu solicitud (paso %d de %d: %s, estado: %s).",
		NoActive:         "No tienes ninguna tarea en curso.",
		Completed:        "🎉 Listo. Aquí tienes el resultado:\n\n%s",
		Failed:           "😕 No he podido completar tu solicitud. Inténtalo de nuevo en unos minutos.",
		BudgetExceeded:   "💸 Se ha alcanzado el límite de presupuesto del espacio de trabajo: %s. Ajusta el presupuesto en la configuración para continuar.",
		ApprovalNeeded:   "✋ Antes de continuar necesito tu aprobación para:\n%s\n\nResponde *aprobar* o *rechazar*.",
		Approved:         "👍 Aprobado. Continúo.",
		Rejected:         "👌 Acción rechazada. He detenido la tarea.",
		ActionRejected:   "👌 Acción descartada.",
		NothingToApprove: "No hay ninguna acción pendiente de aprobación.",
		TaskList:         "Tus últimas tareas:\n%s",
		TaskListEmpty:    "Todavía no tienes tareas.",
		DocumentSaved:    "📎 Documento guardado en tu espacio de trabajo.",
		ChatUnavailable:  "😕 Ahora mismo no puedo responder. Inténtalo de nuevo en unos minutos.",
		Simulated:        "🤖 (simulación) He recibido tu mensaje: %s",
	},
	"en": {
		Onboarding:       "Hi 👋 Your account isn't linked yet. Connect it from the app to start working with me.",
		WorkspaceSetup:   "Your account is linked but you don't have a workspace yet. Create one in the app and message me again.",
		Help:             "I can help with:\n• *status*: progress of the current task\n• *approve* / *reject*: answer a pending action\n• *tasks*: list your recent tasks\n• *help*: this message\nOr just describe what you need.",
		Accepted:         "✅ Got it. I'm on it and will let you know when it's ready.",
		Progress:         "⏳ Still working on your request (step %d of %d: %s, status: %s).",
		NoActive:         "You have no task in progress.",
		Completed:        "🎉 Done. Here is the result:\n\n%s",
		Failed:           "😕 I couldn't complete your request. Please try again in a few minutes.",
		BudgetExceeded:   "💸 The workspace budget limit has been reached: %s. Adjust the budget in settings to continue.",
		ApprovalNeeded:   "✋ Before continuing I need your approval for:\n%s\n\nReply *approve* or *reject*.",
		Approved:         "👍 Approved. Carrying on.",
		Rejected:         "👌 Action rejected. I've stopped the task.",
		ActionRejected:   "👌 Action discarded.",
		NothingToApprove: "There is no action waiting for approval.",
		TaskList:         "Your recent tasks:\n%s",
		TaskListEmpty:    "You don't have any tasks yet.",
		DocumentSaved:    "📎 Document saved to your workspace.",
		ChatUnavailable:  "😕 I can't answer right now. Please try again in a few minutes.",
		Simulated:        "🤖 (simulation) I received your message: %s",
	},
}

// Text renders reply id in lang, falling back to DefaultLang for unknown
// languages.
func Text(lang string, id ID, args ...any) string {
	texts, ok := catalog[lang]
	if !ok {
		texts = catalog[DefaultLang]
	}
	tmpl, ok := texts[id]
	if !ok {
		tmpl = catalog[DefaultLang][id]
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

// Supported reports whether lang has a catalog.
func Supported(lang string) bool {
	_, ok := catalog[lang]
	return ok
}
