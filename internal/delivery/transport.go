package delivery

import (
	"context"

	"github.com/tjfontaine/conversion-relay/internal/api/capi"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// Transport performs one delivery attempt. The key is passed unchanged on
// every attempt so the downstream can deduplicate.
type Transport interface {
	Send(ctx context.Context, record *domain.MergedRecord, idempotencyKey string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, record *domain.MergedRecord, idempotencyKey string) error

func (f TransportFunc) Send(ctx context.Context, record *domain.MergedRecord, idempotencyKey string) error {
	return f(ctx, record, idempotencyKey)
}

// CAPITransport sends each merged record as a single-event batch.
type CAPITransport struct {
	client       *capi.Client
	actionSource string
}

// NewCAPITransport wraps client. An empty actionSource defaults to "website".
func NewCAPITransport(client *capi.Client, actionSource string) *CAPITransport {
	if actionSource == "" {
		actionSource = "website"
	}
	return &CAPITransport{client: client, actionSource: actionSource}
}

func (t *CAPITransport) Send(ctx context.Context, record *domain.MergedRecord, idempotencyKey string) error {
	batch := &capi.EventBatch{
		Data: []capi.ServerEvent{BuildServerEvent(record, idempotencyKey, t.actionSource)},
	}
	_, err := t.client.SendEvents(ctx, batch)
	return err
}

// BuildServerEvent maps a merged record onto the downstream event shape.
func BuildServerEvent(record *domain.MergedRecord, idempotencyKey, actionSource string) capi.ServerEvent {
	ev := capi.ServerEvent{
		EventName:      record.EventName,
		EventTime:      record.EventTime,
		EventID:        idempotencyKey,
		ActionSource:   actionSource,
		EventSourceURL: record.EventSourceURL,
		UserData:       buildUserData(record.UserData),
		CustomData: capi.CustomData{
			Value:               record.Value,
			Currency:            record.Currency,
			ContentIDs:          record.ContentIDs,
			ContentType:         record.ContentType,
			ContentName:         record.ContentName,
			OrderID:             record.TransactionID,
			NumItems:            record.NumItems,
			PredictedLTV:        record.PredictedLTV,
			PaymentMethod:       record.PaymentMethod,
			ProductCondition:    record.ProductCondition,
			ProductAvailability: record.ProductAvailability,
			UTMSource:           record.Attribution.UTMSource,
			UTMCampaign:         record.Attribution.UTMCampaign,
		},
	}
	if record.TimeToCompletion >= 0 {
		ttc := record.TimeToCompletion
		ev.CustomData.TimeToCompletion = &ttc
	}
	return ev
}

func buildUserData(u domain.UserContext) capi.UserData {
	return capi.UserData{
		Email:           single(u.HashedEmail),
		Phone:           single(u.HashedPhone),
		FirstName:       single(u.HashedFirstName),
		LastName:        single(u.HashedLastName),
		City:            single(u.HashedCity),
		State:           single(u.HashedState),
		Zip:             single(u.HashedZip),
		Country:         single(u.HashedCountry),
		ExternalID:      single(u.ExternalID),
		ClientIPAddress: u.ClientIPAddress,
		ClientUserAgent: u.ClientUserAgent,
		ClickID:         u.ClickID,
		BrowserID:       u.BrowserID,
	}
}

func single(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
