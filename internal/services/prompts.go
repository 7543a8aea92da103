package services

import (
	"fmt"
	"strings"
)

func flashcardPrompt(text string) string {
	return fmt.Sprintf(`You are an academic study assistant.

Extract ALL possible flashcards from the content below.

Rules:
- Front must be a key term or direct question
- Back must be a concise definition or fact (1-2 lines)
- Do NOT invent information
- Do NOT repeat concepts
- Use ONLY the provided content
- If no flashcards are possible, return an empty JSON array
- Return STRICT JSON only

Output format:
[
  {
    "front": "Term or question",
    "back": "Short definition or answer"
  }
]

CONTENT:
%s
`, text)
}

func formulaPrompt(text string) string {
	return fmt.Sprintf(`You are an academic assistant.

Extract ALL formulas from the content below.

Rules:
- Extract ONLY formulas explicitly present
- Do NOT invent formulas
- Do NOT explain derivation
- Provide ONLY symbol meanings (notation)
- If no formulas exist, return an empty JSON array
- Return STRICT JSON only

Output format:
[
  {
    "formula": "F = ma",
    "meaning": "F: Force, m: Mass, a: Acceleration"
  }
]

CONTENT:
%s
`, text)
}

func notesPrompt(text string) string {
	return fmt.Sprintf(`You are an academic study assistant.

Generate SHORT NOTES that capture ALL IMPORTANT POINTS from the given study material section.

Rules:
- Each note must capture one important concept
- Prefer more notes over fewer
- Do NOT add new information
- Notes must be suitable for exam preparation
- Do NOT use bullet symbols or markdown
- Return STRICT JSON only

Output format:
{
  "short_notes": [
    "Each item must be a plain sentence"
  ]
}

STUDY MATERIAL:
%s
`, text)
}

// mcqPrompt asks for exactly one question and lists every earlier question of
// the session so the model steers away from them.
func mcqPrompt(text string, previous []string) string {
	avoid := "None"
	if len(previous) > 0 {
		lines := make([]string, len(previous))
		for i, q := range previous {
			lines[i] = fmt.Sprintf("%d. %s", i+1, q)
		}
		avoid = strings.Join(lines, "\n")
	}
	return fmt.Sprintf(`You are an expert academic exam question generator.

Rules:
- Generate EXACTLY ONE multiple choice question
- Do NOT repeat, paraphrase, or slightly modify any previous question
- The new question must test a DIFFERENT concept
- Provide exactly 4 options
- correct_answer must be copied verbatim from options

QUESTIONS TO AVOID (DO NOT REPEAT OR PARAPHRASE):
%s

Output format (a single JSON object, no array, no text):
{
  "question": "Your question text here",
  "options": ["Option A", "Option B", "Option C", "Option D"],
  "correct_answer": "Option A"
}

STUDY MATERIAL:
%s
`, avoid, text)
}
