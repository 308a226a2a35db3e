package model

// QueueStats is a point-in-time snapshot of one queue.
// TotalMessages counts the live working set; dead-lettered messages are
// reported separately in DeadLetterMessages.
type QueueStats struct {
	QueueName          string `json:"queueName"`
	TotalMessages      int    `json:"totalMessages"`
	PendingMessages    int    `json:"pendingMessages"`
	ProcessingMessages int    `json:"processingMessages"`
	CompletedMessages  int    `json:"completedMessages"`
	DeadLetterMessages int    `json:"deadLetterMessages"`
	SubscriberCount    int    `json:"subscriberCount"`
}

// BrokerStats aggregates QueueStats across every registered queue.
type BrokerStats struct {
	TotalQueues int                   `json:"totalQueues"`
	Queues      map[string]QueueStats `json:"queues"`
}
