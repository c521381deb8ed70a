package connection

import (
	"encoding/json"
	"fmt"

	"github.com/rickgao/propwatch/internal/subscription"
)

// SubscribeFrame asks the server to watch one property.
type SubscribeFrame struct {
	Subscribe SubscribeParams `json:"subscribe"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	Object        string           `json:"object"`
	Properties    []string         `json:"properties"`
	Configuration *SubscribeConfig `json:"configuration,omitempty"`
}

// SubscribeConfig carries optional subscribe settings.
type SubscribeConfig struct {
	UpdateFrequencyMs int `json:"updateFrequencyMs"`
}

// UnsubscribeFrame releases a subscription by server id.
type UnsubscribeFrame struct {
	Unsubscribe UnsubscribeParams `json:"unsubscribe"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	ID int64 `json:"id"`
}

// SetFrame writes values to subscribed properties.
type SetFrame struct {
	Set []SetEntry `json:"set"`
}

// SetEntry is one value write.
type SetEntry struct {
	ID    int64 `json:"id"`
	Value any   `json:"value"`
}

// EncodeSubscribe builds a subscribe frame. A zero frequency leaves the
// server default in place.
func EncodeSubscribe(key subscription.Key, updateFrequencyMs int) ([]byte, error) {
	f := SubscribeFrame{Subscribe: SubscribeParams{
		Object:     key.Object,
		Properties: []string{key.Property},
	}}
	if updateFrequencyMs > 0 {
		f.Subscribe.Configuration = &SubscribeConfig{UpdateFrequencyMs: updateFrequencyMs}
	}
	return json.Marshal(f)
}

// EncodeUnsubscribe builds an unsubscribe frame.
func EncodeUnsubscribe(id int64) ([]byte, error) {
	return json.Marshal(UnsubscribeFrame{Unsubscribe: UnsubscribeParams{ID: id}})
}

// EncodeSet builds a single-entry set frame.
func EncodeSet(id int64, value any) ([]byte, error) {
	data, err := json.Marshal(SetFrame{Set: []SetEntry{{ID: id, Value: value}}})
	if err != nil {
		return nil, fmt.Errorf("encode set value: %w", err)
	}
	return data, nil
}

// subscriptionEntry is one element of a "subscriptions" frame.
type subscriptionEntry struct {
	ID           *int64 `json:"id"`
	ObjectPath   string `json:"objectPath"`
	PropertyPath string `json:"propertyPath"`
}

// valueEntry is one element of a "valuesChanged" frame.
type valueEntry struct {
	ID               *int64          `json:"id"`
	Value            json.RawMessage `json:"value"`
	ChangeTimestamp  int64           `json:"changeTimestamp"`
	MessageTimestamp int64           `json:"messageTimestamp"`
}

// serverFrame is the union of server frame tags.
type serverFrame struct {
	Error         *string              `json:"error"`
	Subscriptions *[]subscriptionEntry `json:"subscriptions"`
	ValuesChanged *[]valueEntry        `json:"valuesChanged"`
}

// Inbound is a decoded server frame. A frame may carry more than one tag;
// they are handled in field order.
type Inbound struct {
	HasError bool
	Error    string

	HasSnapshot bool
	Snapshot    []subscription.SnapshotEntry

	Values []subscription.ValueChange
}

// DecodeFrame parses a server frame. A frame with none of the known tags
// returns ErrUnknownFrame; anything unparseable returns ErrMalformedFrame.
// A list with an entry lacking an id rejects the whole frame.
func DecodeFrame(data []byte) (Inbound, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var in Inbound
	if f.Error != nil {
		in.HasError = true
		in.Error = *f.Error
	}

	if f.Subscriptions != nil {
		in.HasSnapshot = true
		in.Snapshot = make([]subscription.SnapshotEntry, 0, len(*f.Subscriptions))
		for i, e := range *f.Subscriptions {
			if e.ID == nil {
				return Inbound{}, fmt.Errorf("%w: subscriptions[%d] has no id", ErrMalformedFrame, i)
			}
			in.Snapshot = append(in.Snapshot, subscription.SnapshotEntry{
				ID:  *e.ID,
				Key: subscription.Key{Object: e.ObjectPath, Property: e.PropertyPath},
			})
		}
	}

	if f.ValuesChanged != nil {
		in.Values = make([]subscription.ValueChange, 0, len(*f.ValuesChanged))
		for i, e := range *f.ValuesChanged {
			if e.ID == nil {
				return Inbound{}, fmt.Errorf("%w: valuesChanged[%d] has no id", ErrMalformedFrame, i)
			}
			in.Values = append(in.Values, subscription.ValueChange{
				ID:          *e.ID,
				Value:       e.Value,
				ChangeTime:  e.ChangeTimestamp,
				MessageTime: e.MessageTimestamp,
			})
		}
	}

	if !in.HasError && !in.HasSnapshot && f.ValuesChanged == nil {
		return Inbound{}, ErrUnknownFrame
	}
	return in, nil
}
