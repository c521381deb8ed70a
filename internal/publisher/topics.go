package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rickgao/propwatch/internal/projection"
)

var topicReplacer = strings.NewReplacer("+", "_", "#", "_")

// Topic returns the value topic for a display name.
// MQTT wildcard characters in the name are replaced with underscores.
func Topic(prefix, name string) string {
	name = strings.Trim(topicReplacer.Replace(name), "/")
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// StatusTopic returns the online/offline status topic.
func StatusTopic(prefix string) string {
	return Topic(prefix, "status")
}

// message is the JSON payload published for each update.
type message struct {
	Value          any    `json:"value"`
	SubscriptionID int64  `json:"subscription_id"`
	Timestamp      string `json:"ts"`
}

// Payload encodes u as the published JSON document.
func Payload(u projection.Update) ([]byte, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(message{
		Value:          u.Value,
		SubscriptionID: u.SubscriptionID,
		Timestamp:      at.UTC().Format(time.RFC3339Nano),
	})
}
