// Package prompt holds the conversation prompts and canned utterances for
// the two interview modes. Everything the engine ever says that is not
// model-generated lives here so the spoken surface is reviewable in one
// place.
package prompt

import "fmt"

// Mode selects the interview style.
type Mode string

const (
	// ModeBehavior runs a behavioral interview; an optional resume analysis
	// may be attached as additional system context.
	ModeBehavior Mode = "behavior"

	// ModeTechnical runs a technical interview. Resume analysis is never
	// attached in this mode.
	ModeTechnical Mode = "technical"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeBehavior || m == ModeTechnical
}

// ParseMode validates a mode string from flags or config.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("prompt: mode must be %q or %q, got %q", ModeBehavior, ModeTechnical, s)
	}
	return m, nil
}

const behaviorBase = `You are an experienced interviewer conducting a spoken behavioral interview over a live voice call.
Ask one question at a time about the candidate's past experience, teamwork, conflicts, and decisions, and follow up on what they actually said.
Your answers will be converted to audio, so never use special characters, markdown, or lists.
Keep every reply short and conversational, one or two sentences, the way a person speaks.`

const technicalBase = `You are an experienced engineer conducting a spoken technical interview over a live voice call.
Ask one question at a time about systems, algorithms, and tradeoffs, and probe the candidate's reasoning with short follow-ups.
Your answers will be converted to audio, so never use special characters, markdown, code blocks, or lists.
Keep every reply short and conversational, one or two sentences, the way a person speaks.`

// System returns the base system prompt for the given mode.
func System(mode Mode) string {
	if mode == ModeTechnical {
		return technicalBase
	}
	return behaviorBase
}

// AnalysisAllowed reports whether the mode accepts an analysis system
// message. Only the behavioral interview uses resume analysis.
func AnalysisAllowed(mode Mode) bool {
	return mode == ModeBehavior
}

// Intro is the utterance spoken when the participant joins, before any user
// speech has been heard.
const Intro = `Hello, thanks for joining the call. I will be your interviewer today. Whenever you are ready, tell me a little about yourself.`

// Fallback is spoken when response generation failed after a retry. The
// conversation history is left untouched so the user can simply try again.
const Fallback = `I didn't catch that, could you repeat?`

// Apology is spoken when transcription of the user's utterance failed, so
// the turn is acknowledged rather than silently dropped.
const Apology = `Sorry, I had trouble hearing you. Could you say that again?`
