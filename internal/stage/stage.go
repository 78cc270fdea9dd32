// Package stage infers the sales-funnel stage of a conversation.
//
// Classification is a pure function of the customer's order history and recent
// message text: identical inputs always yield the same stage. Commercial state
// always dominates linguistic signal, because a customer mid-fulfillment asking
// "what's the price" is not a fresh pricing inquiry.
package stage

import (
	"strings"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

// Number of trailing customer messages inspected for keyword signals.
const recentCustomerMessages = 3

// Threshold at or below which a conversation is still a greeting.
const greetingMessageThreshold = 2

// Keyword families, checked in this fixed priority: payment, then pricing,
// then features. Exported as data so the lists can be tuned without code
// changes.
var (
	PaymentKeywords = []string{
		"payment", "pay", "paid", "jazzcash", "easypaisa", "bank",
		"transfer", "account number", "send money", "bheja", "bhejo",
		"receipt", "screenshot", "transaction",
	}
	PricingKeywords = []string{
		"price", "cost", "rate", "how much", "kitna", "kitne", "paisa",
		"paise", "charges", "fee", "discount", "sasta", "mehnga",
	}
	FeatureKeywords = []string{
		"feature", "features", "kaam", "work", "channels", "quality",
		"support", "devices", "screen", "trial", "demo", "kya milega",
		"included", "details",
	}
)

// Classify derives the conversation stage from order history and recent
// messages, first match wins:
//
//  1. any pending or in-progress order -> post_sale
//  2. any completed order -> returning_customer
//  3. keyword families in the last customer messages -> payment | pricing | features
//  4. short conversation -> greeting
//  5. otherwise -> sales
func Classify(orders []models.Order, recent []models.ChatMessage) models.Stage {
	for _, o := range orders {
		if o.Status == models.OrderStatusPending || o.Status == models.OrderStatusInProgress {
			return models.StagePostSale
		}
	}
	for _, o := range orders {
		if o.Status == models.OrderStatusCompleted {
			return models.StageReturningCustomer
		}
	}

	text := recentCustomerText(recent)
	switch {
	case containsAny(text, PaymentKeywords):
		return models.StagePayment
	case containsAny(text, PricingKeywords):
		return models.StagePricing
	case containsAny(text, FeatureKeywords):
		return models.StageFeatures
	}

	if len(recent) <= greetingMessageThreshold {
		return models.StageGreeting
	}
	return models.StageSales
}

// recentCustomerText concatenates the last few customer-authored messages,
// lowercased for case-insensitive matching.
func recentCustomerText(messages []models.ChatMessage) string {
	var parts []string
	for i := len(messages) - 1; i >= 0 && len(parts) < recentCustomerMessages; i-- {
		if messages[i].Role == models.RoleCustomer {
			parts = append(parts, messages[i].Body)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
