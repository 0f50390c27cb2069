package events

const (
	TopicAdmissions  = "sale.queue.admitted"
	TopicPurchases   = "sale.purchase.confirmed"
	TopicSaleStatus  = "sale.status.changed"
	TopicQueueEvents = "sale.queue.cleared"
)

// Partition key = sale_id, so all events for one sale keep their order.
func PartitionKey(saleID string) []byte { return []byte(saleID) }
