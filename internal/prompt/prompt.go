// Package prompt assembles the system prompt and message list handed to the
// text-generation providers. The system prompt is composed from a per-stage
// template, a language instruction and a snapshot of the active package
// catalog.
package prompt

import (
	"fmt"
	"strings"

	"github.com/BranchLine/FunnelPipe/internal/lang"
	"github.com/BranchLine/FunnelPipe/internal/models"
)

// DefaultHistoryLimit bounds how many history messages are forwarded to a
// provider when the caller does not override it.
const DefaultHistoryLimit = 20

// maxCatalogPackages caps how many packages the catalog section lists so the
// prompt stays small even with a large product range.
const maxCatalogPackages = 5

// StageTemplates maps each conversation stage to its reply instruction.
var StageTemplates = map[models.Stage]string{
	models.StageGreeting: "The customer just started the conversation. Greet them warmly, " +
		"introduce the service in one short sentence and ask what they are looking for.",
	models.StageSales: "The customer is exploring. Highlight the value of the service, " +
		"mention the most popular package and gently move toward a purchase decision.",
	models.StagePricing: "The customer is asking about price. Quote the exact package " +
		"prices from the catalog below. Do not invent discounts.",
	models.StageFeatures: "The customer wants to know what the service does. Describe the " +
		"features of the relevant packages from the catalog below, concretely and briefly.",
	models.StagePayment: "The customer wants to pay. Explain the accepted payment methods " +
		"step by step and confirm which package they are buying.",
	models.StagePostSale: "The customer has an order being processed. Reassure them about " +
		"the order status, answer their question and do not pitch new packages.",
	models.StageReturningCustomer: "The customer has bought before. Thank them for their " +
		"past purchase and suggest a renewal or an upgrade that fits their history.",
}

// LanguageInstructions maps a detected language code to the reply-language
// instruction appended to the system prompt.
var LanguageInstructions = map[string]string{
	lang.English:   "Reply in simple, friendly English.",
	lang.RomanUrdu: "Reply in Roman Urdu (Urdu written in Latin script), the way the customer writes.",
}

// ResponseGuidelines are appended to every system prompt regardless of stage.
const ResponseGuidelines = "Keep replies under 80 words. Never promise delivery dates. " +
	"Never share internal identifiers. If you do not know something, say you will check and follow up."

// BuildSystemPrompt composes the full system prompt for a conversation stage,
// reply language and package catalog. Unknown stages fall back to the sales
// template and unknown languages to English.
func BuildSystemPrompt(stage models.Stage, language string, packages []models.Package) string {
	template, ok := StageTemplates[stage]
	if !ok {
		template = StageTemplates[models.StageSales]
	}
	instruction, ok := LanguageInstructions[language]
	if !ok {
		instruction = LanguageInstructions[lang.English]
	}

	var b strings.Builder
	b.WriteString("You are a sales assistant replying to a customer over chat.\n\n")
	b.WriteString(template)
	b.WriteString("\n\n")
	b.WriteString(instruction)
	b.WriteString("\n\n")
	b.WriteString(ResponseGuidelines)

	catalog := formatCatalog(packages)
	if catalog != "" {
		b.WriteString("\n\nAvailable packages:\n")
		b.WriteString(catalog)
	}
	return b.String()
}

// formatCatalog renders up to maxCatalogPackages active packages, one per line.
func formatCatalog(packages []models.Package) string {
	var lines []string
	for _, p := range packages {
		if !p.Active {
			continue
		}
		line := fmt.Sprintf("- %s: Rs %.0f for %d days", p.Name, float64(p.PriceCents)/100, p.DurationDays)
		if len(p.Features) > 0 {
			line += " (" + strings.Join(p.Features, ", ") + ")"
		}
		lines = append(lines, line)
		if len(lines) == maxCatalogPackages {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// BuildMessages returns the message list for a provider call: the most recent
// history entries up to limit, oldest first, followed by the new customer
// message. A limit of zero or below applies DefaultHistoryLimit.
func BuildMessages(history []models.ChatMessage, newMessage models.ChatMessage, limit int) []models.ChatMessage {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	messages := make([]models.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	return append(messages, newMessage)
}
