package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/Ramsey-B/fern/pkg/models"
)

// stripeCategories is matched in order; the first prefix wins.
var stripeCategories = []struct {
	prefix   string
	category models.EventCategory
}{
	{"customer.subscription.", models.CategorySubscription},
	{"invoice.", models.CategoryPayment},
	{"charge.", models.CategoryPayment},
	{"payment_intent.", models.CategoryPayment},
	{"customer.", models.CategoryCustomer},
}

var stripeRefs = newRefSet(
	"object", "data.object.id",
	"object_type", "data.object.object",
	"customer", "data.object.customer.id || data.object.customer",
	"subscription", "data.object.subscription.id || data.object.subscription",
	"account", "account",
)

// StripeCategory derives the event category from a Stripe event type.
func StripeCategory(eventType string) models.EventCategory {
	for _, c := range stripeCategories {
		if strings.HasPrefix(eventType, c.prefix) {
			return c.category
		}
	}
	return models.CategoryBilling
}

type stripeProvider struct{}

func (stripeProvider) split(d Delivery) ([]item, error) {
	return []item{{raw: d.Body, receivedAt: d.ReceivedAt}}, nil
}

func (stripeProvider) build(it item) (CanonicalEvent, error) {
	var event stripe.Event
	if err := decode(it.raw, &event); err != nil {
		return CanonicalEvent{}, err
	}
	if event.ID == "" || event.Type == "" {
		return CanonicalEvent{}, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}

	eventType := string(event.Type)
	ev := CanonicalEvent{
		ExternalID: event.ID,
		Type:       eventType,
		Category:   StripeCategory(eventType),
		OccurredAt: unixTime(event.Created),
		EntityRefs: stripeRefs.extract(it.raw),
		Raw:        it.raw,
	}

	// a typed object that no longer decodes still gets recorded
	effect, err := stripeEffect(&event, it.receivedAt)
	switch {
	case err != nil:
		ev.EffectsErr = err
	case effect != nil:
		ev.Effects = append(ev.Effects, effect)
	}
	return ev, nil
}

func stripeEffect(event *stripe.Event, received time.Time) (Effect, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, nil
	}
	eventType := string(event.Type)

	switch {
	case eventType == "invoice.paid" || eventType == "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("decode stripe invoice: %w", err)
		}
		if invoice.ID == "" || invoice.AmountPaid <= 0 {
			return nil, nil
		}
		// Stripe sends both types for one payment, so the credit is keyed by invoice
		return BalanceCredit{
			ExternalID: "invoice:" + invoice.ID,
			Currency:   string(invoice.Currency),
			Amount:     invoice.AmountPaid,
		}, nil

	case strings.HasPrefix(eventType, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode stripe subscription: %w", err)
		}
		if sub.ID == "" {
			return nil, nil
		}
		change := SubscriptionChange{
			ExternalID:       sub.ID,
			Status:           string(sub.Status),
			CurrentPeriodEnd: unixTime(sub.CurrentPeriodEnd),
			UpdatedAt:        orNow(unixTime(event.Created), received),
		}
		if sub.Customer != nil {
			change.CustomerID = sub.Customer.ID
		}
		return change, nil
	}
	return nil, nil
}
