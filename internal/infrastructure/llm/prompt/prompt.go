// Package prompt renders the grounded question-answering prompt shared by
// the language model providers.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

const SystemInstruction = "Answer concisely using only the context below. If the context is insufficient, say that you do not know."

// Context lists every hit as one bullet, mirroring how the fused hits are
// presented to the model.
func Context(hits []domain.Candidate) string {
	var b strings.Builder
	for idx, hit := range hits {
		if idx > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("- ")
		b.WriteString(hit.Text)
	}
	return b.String()
}

func BuildAnswerPrompt(question string, hits []domain.Candidate) string {
	return fmt.Sprintf(`%s

Question:
%s

Context:
%s
`, SystemInstruction, question, Context(hits))
}
