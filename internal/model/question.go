package model

// Option is one selectable answer of a question with the score it carries.
type Option struct {
	Text  string `json:"text"`
	Score int    `json:"score"`
}

// Question is a single personality-test item. Questions are immutable once
// fetched from the backend.
type Question struct {
	Trait   string   `json:"trait"`
	Prompt  string   `json:"question"`
	Options []Option `json:"options"`
}

// Answer is the candidate's choice for one question slot. A nil
// SelectedOptionIndex means the slot is still unanswered.
type Answer struct {
	SelectedOptionIndex *int `json:"selected_option_index"`
	Score               int  `json:"score"`
}

// Answered reports whether the slot holds a chosen option.
func (a Answer) Answered() bool {
	return a.SelectedOptionIndex != nil
}

// NewAnswer builds an answered slot for the given option.
func NewAnswer(optionIndex, score int) Answer {
	idx := optionIndex
	return Answer{SelectedOptionIndex: &idx, Score: score}
}

// UnansweredSlots returns n explicit unanswered slots.
func UnansweredSlots(n int) []Answer {
	return make([]Answer, n)
}
