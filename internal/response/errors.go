package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Session token ─────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidIndex   ErrCode = "INVALID_INDEX"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Session ───────────────────────────────────────────────────────
	ErrSessionNotFound    ErrCode = "SESSION_NOT_FOUND"
	ErrSessionClosed      ErrCode = "SESSION_CLOSED"
	ErrSessionConflict    ErrCode = "SESSION_CONFLICT"
	ErrNoAnswerSelected   ErrCode = "NO_ANSWER_SELECTED"
	ErrQuestionOutOfRange ErrCode = "QUESTION_OUT_OF_RANGE"
	ErrOptionOutOfRange   ErrCode = "OPTION_OUT_OF_RANGE"
	ErrFullscreenRequired ErrCode = "FULLSCREEN_REQUIRED"
	ErrIncomplete         ErrCode = "INCOMPLETE"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrBackendUnavailable ErrCode = "BACKEND_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Jeton de session requis."
	case ErrTokenInvalid:
		return "Jeton de session invalide ou expiré."

	case ErrValidation:
		return "Validation échouée. Vérifiez votre saisie."
	case ErrInvalidIndex:
		return "Index de question invalide."
	case ErrInvalidPayload:
		return "Contenu de la requête invalide."

	case ErrSessionNotFound:
		return "Session de test introuvable."
	case ErrSessionClosed:
		return "Le test est terminé, les réponses ne sont plus acceptées."
	case ErrSessionConflict:
		return "La session a été modifiée en parallèle. Réessayez."
	case ErrNoAnswerSelected:
		return "Veuillez sélectionner une réponse."
	case ErrQuestionOutOfRange:
		return "Cette question n'existe pas."
	case ErrOptionOutOfRange:
		return "Cette option n'existe pas."
	case ErrFullscreenRequired:
		return "Activez le mode plein écran pour continuer."
	case ErrIncomplete:
		return "Certaines questions sont sans réponse."

	case ErrBackendUnavailable:
		return "Le service de recrutement est indisponible. Réessayez plus tard."

	case ErrRateLimitExceeded:
		return "Trop de requêtes. Réessayez plus tard."

	case ErrInternal:
		return "Erreur interne du serveur."
	default:
		return "Une erreur inattendue est survenue."
	}
}
