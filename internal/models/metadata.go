package models

// Metadata keys written by the job mutators
const (
	MetaApprovedFlight  = "approved_flight"
	MetaScheduledFlight = "scheduled_flight"
	MetaPersonsAssigned = "persons_assigned"
	MetaFlightLog       = "flight_log"
	MetaInvoiceNumber   = "invoice_number"
	MetaInvoicePaid     = "invoice_paid"
	MetaAmountPayable   = "amount_payable"
)
