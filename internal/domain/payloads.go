package domain

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Typed job payloads. The payload column stays an opaque JSON blob at the
// boundary; handlers receive one of these decoded and validated structs.

// ConsignmentLine is a single product/quantity pair on a consignment.
type ConsignmentLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"required"`
}

type CreateConsignmentPayload struct {
	TransferPK     int64             `json:"transfer_pk" validate:"required"`
	SourceOutletID string            `json:"source_outlet_id" validate:"required"`
	DestOutletID   string            `json:"dest_outlet_id" validate:"required"`
	Lines          []ConsignmentLine `json:"lines" validate:"required,min=1,dive"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type UpdateConsignmentPayload struct {
	ConsignmentID string            `json:"consignment_id" validate:"required"`
	Status        string            `json:"status" validate:"omitempty,oneof=SENT RECEIVED"`
	Lines         []ConsignmentLine `json:"lines" validate:"omitempty,dive"`
}

type CancelConsignmentPayload struct {
	ConsignmentID string `json:"consignment_id" validate:"required"`
}

type EditConsignmentLinesPayload struct {
	ConsignmentID string            `json:"consignment_id" validate:"required"`
	Add           []ConsignmentLine `json:"add" validate:"omitempty,dive"`
	Remove        []ConsignmentLine `json:"remove" validate:"omitempty,dive"`
}

type MarkTransferPartialPayload struct {
	TransferPK       int64             `json:"transfer_pk" validate:"required"`
	OutstandingLines []ConsignmentLine `json:"outstanding_lines" validate:"required,dive"`
}

type PushInventoryAdjustmentPayload struct {
	ProductID string `json:"product_id" validate:"required"`
	OutletID  string `json:"outlet_id" validate:"required"`
	Count     int64  `json:"count" validate:"required"`
	Note      string `json:"note"`
}

type PushProductUpdatePayload struct {
	ProductID string         `json:"product_id" validate:"required"`
	Data      map[string]any `json:"data" validate:"required,min=1"`
}

type InventoryCommandPayload struct {
	Op        string `json:"op" validate:"required,oneof=set"`
	ProductID string `json:"product_id" validate:"required"`
	OutletID  string `json:"outlet_id" validate:"required"`
	Target    int64  `json:"target"`
	TraceID   string `json:"trace_id"`
}

type PullPayload struct {
	Cursor string `json:"cursor"`
}

type WebhookEventPayload struct {
	WebhookID   string `json:"webhook_id" validate:"required"`
	WebhookType string `json:"webhook_type" validate:"required"`
}

type ReconcilePayload struct {
	TransferPK int64  `json:"transfer_pk" validate:"required"`
	Strategy   string `json:"strategy" validate:"required,oneof=prefer_vendor prefer_local report_only"`
}

var (
	payloadVldOnce sync.Once
	payloadVld     *validator.Validate
)

func payloadValidator() *validator.Validate {
	payloadVldOnce.Do(func() { payloadVld = validator.New() })
	return payloadVld
}

// DecodePayload decodes and validates raw into the typed payload for jobType.
// Any failure classifies as ErrValidation (fatal, straight to DLQ).
func DecodePayload(jobType string, raw json.RawMessage) (any, error) {
	var dst any
	switch jobType {
	case TypeCreateConsignment:
		dst = &CreateConsignmentPayload{}
	case TypeUpdateConsignment:
		dst = &UpdateConsignmentPayload{}
	case TypeCancelConsignment:
		dst = &CancelConsignmentPayload{}
	case TypeEditConsignmentLines:
		dst = &EditConsignmentLinesPayload{}
	case TypeMarkTransferPartial:
		dst = &MarkTransferPartialPayload{}
	case TypePushInventoryAdjustment:
		dst = &PushInventoryAdjustmentPayload{}
	case TypePushProductUpdate:
		dst = &PushProductUpdatePayload{}
	case TypeInventoryCommand:
		dst = &InventoryCommandPayload{}
	case TypePullProducts, TypePullInventory, TypePullConsignments:
		dst = &PullPayload{}
	case TypeWebhookEvent:
		dst = &WebhookEventPayload{}
	case TypeReconcileDiscrepancies:
		dst = &ReconcilePayload{}
	default:
		return nil, fmt.Errorf("op=payload.decode: unknown job type %q: %w", jobType, ErrValidation)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("op=payload.decode type=%s: %v: %w", jobType, err, ErrValidation)
	}
	if err := payloadValidator().Struct(dst); err != nil {
		return nil, fmt.Errorf("op=payload.validate type=%s: %v: %w", jobType, err, ErrValidation)
	}
	return dst, nil
}
