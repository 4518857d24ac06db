package models

import "time"

// SecurityEvent is a security log entry enriched for external audit sinks
// (Kafka, Elasticsearch, ClickHouse).
type SecurityEvent struct {
	EventID       string       `json:"event_id"`
	AccountBucket int          `json:"account_bucket"`
	EventBucket   int          `json:"event_bucket"`
	AccountID     string       `json:"account_id"`
	AccountClass  AccountClass `json:"account_class"`
	EventDate     string       `json:"event_date"`
	Action        string       `json:"action"`
	Status        string       `json:"status"`
	IPAddress     string       `json:"ip_address,omitempty"`
	DeviceInfo    string       `json:"device_info,omitempty"`
	Details       string       `json:"details,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}
