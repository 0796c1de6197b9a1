package tts

import "strings"

// PhraseBuffer accumulates response tokens and releases text in units an
// engine can voice naturally. Text is released:
//  1. up to the last punctuation mark once one arrives, or
//  2. at a word boundary once MinWords words are buffered.
//
// It is owned by one turn and is not safe for concurrent use.
type PhraseBuffer struct {
	text        strings.Builder
	minWords    int
	punctuation string
}

// NewPhraseBuffer creates a buffer releasing at minWords words (5 when <= 0).
func NewPhraseBuffer(minWords int) *PhraseBuffer {
	if minWords <= 0 {
		minWords = 5
	}
	return &PhraseBuffer{minWords: minWords, punctuation: ",.!?;:"}
}

// Add appends a token and returns text ready for synthesis, or "".
func (b *PhraseBuffer) Add(token string) string {
	if token == "" {
		return ""
	}
	boundary := token[0] == ' ' || token[0] == '\n'

	prev := b.text.String()
	prevWords := len(strings.Fields(prev))

	b.text.WriteString(token)
	content := b.text.String()

	if strings.ContainsAny(token, b.punctuation) {
		if last := strings.LastIndexAny(content, b.punctuation); last >= 0 {
			out := strings.TrimSpace(content[:last+1])
			rest := strings.TrimSpace(content[last+1:])
			b.text.Reset()
			b.text.WriteString(rest)
			return out
		}
	}

	if prevWords >= b.minWords && boundary {
		b.text.Reset()
		b.text.WriteString(strings.TrimLeft(token, " \n"))
		return strings.TrimSpace(prev)
	}
	return ""
}

// Flush returns and clears whatever is buffered.
func (b *PhraseBuffer) Flush() string {
	out := strings.TrimSpace(b.text.String())
	b.text.Reset()
	return out
}

// Reset drops buffered text.
func (b *PhraseBuffer) Reset() { b.text.Reset() }

// Len returns the buffered byte count.
func (b *PhraseBuffer) Len() int { return b.text.Len() }
