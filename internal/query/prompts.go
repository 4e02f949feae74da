package query

import (
	"fmt"
	"strconv"
	"strings"

	"docuagent/pkg/domain"
)

const jsonOnlySystemPrompt = "Return only JSON. No markdown."

// noContextClarifyPrompt is returned when retrieval finds nothing to
// ground an answer on.
const noContextClarifyPrompt = "I couldn't find relevant content in your indexed PDFs. " +
	"Try specifying doc_id (if you have many PDFs) or upload the correct file."

// fallbackClarifyQuestion covers a clarify intent where the classifier did
// not supply its own question.
const fallbackClarifyQuestion = "What exactly do you want and which PDF does it refer to?"

const classifyPromptTemplate = `You are DocuAgent's intent classifier. Your job is to analyze the user's request and categorize it precisely.

Categories:
- "qa": The user is asking a specific question about facts, definitions, or details contained in the documents.
- "summarize": The user wants a high-level overview, summary, or condensation of a document or topic.
- "extract": The user wants specific data extracted in a structured format (e.g., "list all dates", "find all tables", "extract the invoice number").
- "clarify": The request is ambiguous, nonsensical, or cannot be answered without more specific information (e.g., "Tell me about it" without context).

User request:
%s

Return ONLY JSON:
{"intent": "qa" | "summarize" | "extract" | "clarify", "clarifying_question": null | "string"}.
If intent is "clarify", provide a polite ` + "`clarifying_question`" + ` to ask the user.`

const generationPromptTemplate = `You are DocuAgent, an advanced AI research assistant.
Your goal is to answer the user's question using ONLY the provided context chunks.

Intent: %s
Instruction: %s

Guidelines:
1. **Groundedness**: Use ONLY the context below. Do not hallucinate. If the answer is not in the context, set ` + "`needs_clarification`" + ` to true.
2. **Citations**: You MUST cite your sources. Every distinct claim should have a citation pointing to the specific chunk.
3. **Tone**: Professional, helpful, and concise. Use Markdown for readability.
4. **Analysis**: Synthesize information from multiple chunks if necessary. Handle conflicts by noting the discrepancy.

Context:
%s

User request:
%s

Return ONLY JSON with:
- answer: string (Markdown supported)
- citations: array of {"chunk_id":"...","source":"...","page_number":123,"quote":"..."}
  - quote must be short (<= ~25 words) and exact from the text.
- needs_clarification: boolean
- clarifying_question: string | null (Ask ONE specific question if context is missing)
- reaction: string | null (Any single emoji that reflects the nature of the answer/finding)`

func classifyPrompt(question string) string {
	return fmt.Sprintf(classifyPromptTemplate, question)
}

func generationPrompt(question, contextPack string, intent domain.Intent) string {
	var instruction string
	switch intent {
	case domain.IntentSummarize:
		instruction = "Focus on providing a comprehensive yet concise overview. Capture the main themes and key points."
	case domain.IntentExtract:
		instruction = "Focus on precision. List the extracted data clearly, preferably in bullet points or a structured format."
	default:
		instruction = "Answer the question directly and accurately based on the evidence."
	}
	return fmt.Sprintf(generationPromptTemplate, strings.ToUpper(string(intent)), instruction, contextPack, question)
}

// buildContextPack enumerates retrieved passages with their provenance so
// the model can cite chunk IDs back.
func buildContextPack(passages []domain.RetrievedPassage) string {
	blocks := make([]string, len(passages))
	for i, p := range passages {
		page := "-"
		if p.PageNumber != nil {
			page = strconv.Itoa(*p.PageNumber)
		}
		blocks[i] = fmt.Sprintf("[chunk_id=%s | source=%s | page=%s | chunk_index=%d]\n%s",
			p.ChunkID, p.Source, page, p.ChunkIndex, p.Text)
	}
	return strings.Join(blocks, "\n\n")
}
