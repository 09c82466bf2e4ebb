package stt

import "time"

// Transcript is one recognition result. Partials and finals share this type.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// IsFinal reports whether the engine has committed to this result.
	IsFinal bool

	// Confidence is the overall score in [0, 1], or zero if not reported.
	Confidence float64

	// Timestamp is the utterance start relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// KeywordBoost is a vocabulary hint with a provider-specific boost intensity.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
