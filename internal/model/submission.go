package model

// Wire values of the backend's status discriminator on /store-score.
const (
	BackendStatusCompleted    = "terminer"
	BackendStatusTimedOut     = "temps ecoule"
	BackendStatusDisqualified = "tricher"
	BackendStatusAbandoned    = "abandon"
)

// BackendStatus returns the /store-score status value for a terminal status.
func (s SessionStatus) BackendStatus() string {
	switch s {
	case SessionStatusCompleted:
		return BackendStatusCompleted
	case SessionStatusTimedOut:
		return BackendStatusTimedOut
	case SessionStatusDisqualified:
		return BackendStatusDisqualified
	case SessionStatusAbandoned:
		return BackendStatusAbandoned
	}
	return ""
}

// SubmittedAnswer is one answer slot as sent to the backend. Unanswered
// slots are sent with a nil option and a zero score, never omitted.
type SubmittedAnswer struct {
	QuestionIndex       int    `json:"questionIndex"`
	Trait               string `json:"trait"`
	SelectedOptionIndex *int   `json:"selectedOptionIndex"`
	Score               int    `json:"score"`
}

// ScoreSubmission is the body of POST /store-score.
type ScoreSubmission struct {
	CandidateID        string                `json:"candidateId"`
	OfferID            string                `json:"offerId"`
	ScoreTotal         int                   `json:"scoreTotal"`
	Questions          []Question            `json:"questions"`
	Answers            []SubmittedAnswer     `json:"answers"`
	Status             string                `json:"status"`
	TraitScores        map[string]int        `json:"traitScores,omitempty"`
	SecurityViolations map[ViolationType]int `json:"securityViolations,omitempty"`
}

// NewScoreSubmission builds the payload for a terminal session. Violation
// counts are attached only to disqualifications.
func NewScoreSubmission(s *TestSession) ScoreSubmission {
	answers := make([]SubmittedAnswer, len(s.Questions))
	for i, q := range s.Questions {
		sa := SubmittedAnswer{QuestionIndex: i, Trait: q.Trait}
		if i < len(s.Answers) && s.Answers[i].Answered() {
			idx := *s.Answers[i].SelectedOptionIndex
			sa.SelectedOptionIndex = &idx
			sa.Score = s.Answers[i].Score
		}
		answers[i] = sa
	}

	sub := ScoreSubmission{
		CandidateID: s.CandidateID,
		OfferID:     s.OfferID,
		ScoreTotal:  s.ScoreTotal(),
		Questions:   s.Questions,
		Answers:     answers,
		Status:      s.Status.BackendStatus(),
		TraitScores: s.TraitScores(),
	}

	if s.Status == SessionStatusDisqualified {
		sub.SecurityViolations = make(map[ViolationType]int, len(s.ViolationCounts))
		for k, v := range s.ViolationCounts {
			sub.SecurityViolations[k] = v
		}
	}
	return sub
}

// GenerateTestRequest is the body of POST /generate-test.
type GenerateTestRequest struct {
	CandidateID string `json:"candidateId"`
	OfferID     string `json:"offerId"`
}

// GenerateTestResponse is the success body of POST /generate-test.
type GenerateTestResponse struct {
	Questions []Question `json:"questions"`
}

// BackendRejection is the 403 body returned by the backend.
type BackendRejection struct {
	Error  string   `json:"error"`
	Status string   `json:"status,omitempty"`
	Score  *float64 `json:"score,omitempty"`
}
