// Package webhook turns verified processor deliveries into typed events and
// routes them to the milestone engine and onboarding service.
package webhook

import (
	"encoding/json"
	"fmt"

	"milestonepay/internal/gateway"
	"milestonepay/internal/model"
)

// Event 已解码的处理方事件
type Event interface {
	EventID() string
	EventType() string
}

type header struct {
	ID   string
	Type string
}

func (h header) EventID() string   { return h.ID }
func (h header) EventType() string { return h.Type }

type PaymentSucceededEvent struct {
	header
	ExternalRef string
	TransferRef string
	Metadata    gateway.Metadata
}

type PaymentFailedEvent struct {
	header
	ExternalRef string
	Code        string
	Message     string
}

type TransferCreatedEvent struct {
	header
	TransferRef string
	Metadata    gateway.Metadata
}

type AccountUpdatedEvent struct {
	header
	AccountRef   string
	Capabilities model.AccountCapabilities
}

// IgnoredEvent 不关心的事件类型，确认后丢弃
type IgnoredEvent struct {
	header
}

// Decode 按事件类型解码 data.object
func Decode(e *gateway.Event) (Event, error) {
	h := header{ID: e.ID, Type: e.Type}

	switch e.Type {
	case gateway.EventPaymentSucceeded:
		var obj gateway.PaymentIntentObject
		if err := decodeObject(e, &obj); err != nil {
			return nil, err
		}
		evt := &PaymentSucceededEvent{header: h, ExternalRef: obj.ID, Metadata: metadataOf(obj.Metadata)}
		if obj.LatestCharge != nil {
			evt.TransferRef = obj.LatestCharge.Transfer
		}
		return evt, nil

	case gateway.EventPaymentFailed:
		var obj gateway.PaymentIntentObject
		if err := decodeObject(e, &obj); err != nil {
			return nil, err
		}
		evt := &PaymentFailedEvent{header: h, ExternalRef: obj.ID}
		if obj.LastPaymentError != nil {
			evt.Code = obj.LastPaymentError.Code
			if obj.LastPaymentError.DeclineCode != "" {
				evt.Code = obj.LastPaymentError.DeclineCode
			}
			evt.Message = obj.LastPaymentError.Message
		}
		return evt, nil

	case gateway.EventTransferCreated:
		var obj gateway.TransferObject
		if err := decodeObject(e, &obj); err != nil {
			return nil, err
		}
		return &TransferCreatedEvent{header: h, TransferRef: obj.ID, Metadata: metadataOf(obj.Metadata)}, nil

	case gateway.EventAccountUpdated:
		var obj gateway.AccountObject
		if err := decodeObject(e, &obj); err != nil {
			return nil, err
		}
		return &AccountUpdatedEvent{
			header:     h,
			AccountRef: obj.ID,
			Capabilities: model.AccountCapabilities{
				DetailsSubmitted: obj.DetailsSubmitted,
				ChargesEnabled:   obj.ChargesEnabled,
				PayoutsEnabled:   obj.PayoutsEnabled,
			},
		}, nil
	}
	return &IgnoredEvent{header: h}, nil
}

// decodeObject 解码事件对象，对象必须带 id
func decodeObject(e *gateway.Event, out any) error {
	if len(e.Data.Object) == 0 {
		return fmt.Errorf("%w: event %s has no data.object", model.ErrInvalidArgument, e.ID)
	}
	if err := json.Unmarshal(e.Data.Object, out); err != nil {
		return fmt.Errorf("%w: event %s: decode %s object: %v", model.ErrInvalidArgument, e.ID, e.Type, err)
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Data.Object, &ref); err != nil || ref.ID == "" {
		return fmt.Errorf("%w: event %s: object without id", model.ErrInvalidArgument, e.ID)
	}
	return nil
}

func metadataOf(m map[string]string) gateway.Metadata {
	return gateway.Metadata{
		ProjectID:     m[gateway.MetaProjectID],
		MilestoneKind: model.MilestoneKind(m[gateway.MetaMilestoneKind]),
	}
}
