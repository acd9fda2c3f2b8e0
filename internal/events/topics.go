package events

// Topics emitted by the order service. Only order.created reaches the kitchen
// stream; all three produce a customer email.
const (
	TopicOrderCreated  = "order.created"
	TopicOrderFailed   = "order.failed"
	TopicPaymentVoided = "payment.voided"
)
