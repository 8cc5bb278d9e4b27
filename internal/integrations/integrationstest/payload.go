package integrationstest

import (
	"encoding/json"
	"errors"
)

// Payload is the inbound webhook body the fake adapter understands.
type Payload struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	Text       string `json:"text"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// Raw marshals p for use as a webhook body.
func (p Payload) Raw() []byte {
	b, _ := json.Marshal(p)
	return b
}

func parse(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.ChatID == "" && p.ID == "" {
		return p, errors.New("not a fake payload")
	}
	return p, nil
}
