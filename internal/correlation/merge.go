package correlation

import (
	"time"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// Merge combines an intent with its completion. Completion fields win where
// both sides may carry a value; everything else comes from the intent. The
// result has no EventID yet.
func Merge(sessionID string, intent *domain.IntentPayload, completion *domain.CompletionPayload, mergedAt time.Time) *domain.MergedRecord {
	if intent == nil {
		intent = &domain.IntentPayload{}
	}
	if completion == nil {
		completion = &domain.CompletionPayload{}
	}

	eventName := completion.EventName
	if eventName == "" {
		eventName = domain.DefaultCompletionEventName
	}

	var value float64
	if intent.Value != nil {
		value = *intent.Value
	}

	return &domain.MergedRecord{
		EventName: eventName,
		SessionID: sessionID,

		EventTime:        completion.EventTime,
		IntentEventTime:  intent.EventTime,
		TimeToCompletion: completion.EventTime - intent.EventTime,
		SessionStartTime: intent.SessionStartTime,

		EventSourceURL: intent.EventSourceURL,
		Value:          value,
		Currency:       intent.Currency,
		ContentIDs:     append([]string(nil), intent.ContentIDs...),
		ContentType:    intent.ContentType,
		ContentName:    intent.ContentName,

		TransactionID:       firstNonEmpty(completion.TransactionID, intent.TransactionID),
		PaymentMethod:       firstNonEmpty(completion.PaymentMethod, intent.PaymentMethod),
		NumItems:            firstSet(completion.NumItems, intent.NumItems),
		PredictedLTV:        firstSet(completion.PredictedLTV, intent.PredictedLTV),
		ProductCondition:    firstNonEmpty(completion.ProductCondition, intent.ProductCondition),
		ProductAvailability: firstNonEmpty(completion.ProductAvailability, intent.ProductAvailability),

		UserData:    mergeUserContext(intent.UserData, completion.UserData),
		Attribution: intent.Attribution,
		Device:      intent.Device,
		Timing:      intent.Timing,
		Journey: domain.JourneyContext{
			Stage:          intent.Journey.Stage,
			Markers:        append([]string(nil), intent.Journey.Markers...),
			StepsCompleted: intent.Journey.StepsCompleted,
		},

		MergedAt: mergedAt,
	}
}

// mergeUserContext keeps every identifier the intent captured and only
// fills gaps from the completion.
func mergeUserContext(intent, completion domain.UserContext) domain.UserContext {
	out := intent
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&out.HashedEmail, completion.HashedEmail)
	fill(&out.HashedPhone, completion.HashedPhone)
	fill(&out.HashedFirstName, completion.HashedFirstName)
	fill(&out.HashedLastName, completion.HashedLastName)
	fill(&out.HashedCity, completion.HashedCity)
	fill(&out.HashedState, completion.HashedState)
	fill(&out.HashedZip, completion.HashedZip)
	fill(&out.HashedCountry, completion.HashedCountry)
	fill(&out.ExternalID, completion.ExternalID)
	fill(&out.ClientIPAddress, completion.ClientIPAddress)
	fill(&out.ClientUserAgent, completion.ClientUserAgent)
	fill(&out.ClickID, completion.ClickID)
	fill(&out.BrowserID, completion.BrowserID)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstSet[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			cp := *v
			return &cp
		}
	}
	return nil
}
