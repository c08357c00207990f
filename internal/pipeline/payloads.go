package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
)

// Payload is the typed input of one mutator
type Payload interface {
	// Normalize fills defaulted dates from today (YYYY-MM-DD) and validates the payload.
	// It runs before any write.
	Normalize(today string) error
}

// ApprovePayload is the input of approve
type ApprovePayload struct {
	ApprovedFlight string `json:"approvedFlight"`
}

// Normalize implements Payload
func (p *ApprovePayload) Normalize(today string) error {
	return requireDate("approvedFlight", p.ApprovedFlight)
}

// SchedulePayload is the input of schedule
type SchedulePayload struct {
	ScheduledDate   string  `json:"scheduledDate"`
	ScheduledFlight string  `json:"scheduledFlight"`
	PersonsAssigned []int64 `json:"personsAssigned"`
}

// Normalize implements Payload
func (p *SchedulePayload) Normalize(today string) error {
	if err := requireDate("scheduledDate", p.ScheduledDate); err != nil {
		return err
	}
	if err := requireDate("scheduledFlight", p.ScheduledFlight); err != nil {
		return err
	}
	if len(p.PersonsAssigned) == 0 {
		return apperrors.NewInvalidPayloadError("personsAssigned", "at least one person must be assigned")
	}
	for _, id := range p.PersonsAssigned {
		if id <= 0 {
			return apperrors.NewInvalidPayloadError("personsAssigned", fmt.Sprintf("invalid user id %d", id))
		}
	}
	return nil
}

// LogFlightPayload is the input of log-flight
type LogFlightPayload struct {
	FlownDate string          `json:"flownDate"`
	FlightLog json.RawMessage `json:"flightLog"`
}

// Normalize implements Payload. The flight log is compacted before it is stored.
func (p *LogFlightPayload) Normalize(today string) error {
	if err := requireDate("flownDate", p.FlownDate); err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(p.FlightLog)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return apperrors.NewInvalidPayloadError("flightLog", "must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return apperrors.NewInvalidPayloadError("flightLog", err.Error())
	}
	p.FlightLog = buf.Bytes()
	return nil
}

// DeliverPayload is the input of deliver
type DeliverPayload struct {
	DeliveredDate string `json:"deliveredDate"`
}

// Normalize implements Payload
func (p *DeliverPayload) Normalize(today string) error {
	return defaultDate("deliveredDate", &p.DeliveredDate, today)
}

// BillPayload is the input of bill
type BillPayload struct {
	BilledDate    string      `json:"billedDate"`
	InvoiceNumber string      `json:"invoiceNumber"`
	AmountPayable json.Number `json:"amountPayable,omitempty"`
}

// Normalize implements Payload
func (p *BillPayload) Normalize(today string) error {
	if err := defaultDate("billedDate", &p.BilledDate, today); err != nil {
		return err
	}
	p.InvoiceNumber = strings.TrimSpace(p.InvoiceNumber)
	if p.InvoiceNumber == "" {
		return apperrors.NewInvalidPayloadError("invoiceNumber", "is required")
	}
	if p.AmountPayable != "" {
		amount, err := strconv.ParseFloat(p.AmountPayable.String(), 64)
		if err != nil {
			return apperrors.NewInvalidPayloadError("amountPayable", "must be a number")
		}
		if amount < 0 {
			return apperrors.NewInvalidPayloadError("amountPayable", "must not be negative")
		}
	}
	return nil
}

// BillPaidPayload is the input of bill-paid
type BillPaidPayload struct {
	BillPaidDate string `json:"billPaidDate"`
	InvoicePaid  Marker `json:"invoicePaid"`
}

// Normalize implements Payload
func (p *BillPaidPayload) Normalize(today string) error {
	return defaultDate("billPaidDate", &p.BillPaidDate, today)
}

// DeletePayload is the (empty) input of delete
type DeletePayload struct{}

// Normalize implements Payload
func (p *DeletePayload) Normalize(today string) error { return nil }

// Marker is an optional flag that accepts true, a non-empty string or a number.
// false, null and "" leave it unset.
type Marker struct {
	value string
}

// NewMarker returns a set marker with the given stored value
func NewMarker(value string) Marker {
	return Marker{value: value}
}

// Value returns the stored form of the marker and whether it is set
func (m Marker) Value() (string, bool) {
	return m.value, m.value != ""
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Marker) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		m.value = ""
	case bool:
		if v {
			m.value = "1"
		} else {
			m.value = ""
		}
	case string:
		m.value = strings.TrimSpace(v)
	case float64:
		m.value = strings.TrimSpace(string(data))
	default:
		return fmt.Errorf("marker must be a boolean, string or number")
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (m Marker) MarshalJSON() ([]byte, error) {
	if m.value == "" {
		return []byte("null"), nil
	}
	return json.Marshal(m.value)
}

// NewPayload returns an empty payload for action
func NewPayload(action types.ActionType) (Payload, error) {
	switch action {
	case types.ActionApprove:
		return &ApprovePayload{}, nil
	case types.ActionSchedule:
		return &SchedulePayload{}, nil
	case types.ActionFlightLog:
		return &LogFlightPayload{}, nil
	case types.ActionDeliver:
		return &DeliverPayload{}, nil
	case types.ActionBill:
		return &BillPayload{}, nil
	case types.ActionBillPaid:
		return &BillPaidPayload{}, nil
	case types.ActionDelete:
		return &DeletePayload{}, nil
	default:
		return nil, apperrors.NewInvalidPayloadError("action", fmt.Sprintf("unknown action %q", action))
	}
}

// DecodePayload decodes a JSON payload for action. An empty body decodes as {}.
func DecodePayload(action types.ActionType, raw json.RawMessage) (Payload, error) {
	payload, err := NewPayload(action)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return payload, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, apperrors.NewInvalidPayloadError("payload", err.Error())
	}
	return payload, nil
}

func isDate(s string) bool {
	_, err := time.Parse(models.DateLayout, s)
	return err == nil
}

func requireDate(field, value string) error {
	if value == "" {
		return apperrors.NewInvalidPayloadError(field, "is required")
	}
	if !isDate(value) {
		return apperrors.NewInvalidPayloadError(field, "must be a YYYY-MM-DD date")
	}
	return nil
}

func defaultDate(field string, value *string, today string) error {
	*value = strings.TrimSpace(*value)
	if *value == "" {
		*value = today
		return nil
	}
	if !isDate(*value) {
		return apperrors.NewInvalidPayloadError(field, "must be a YYYY-MM-DD date")
	}
	return nil
}
