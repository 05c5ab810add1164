package schema

import "go.mongodb.org/mongo-driver/v2/bson"

// Message is the schema for one message type. Besides the declared
// payload fields, every message carries a "type" constant and the
// optional envelope fields "timestamp" and "api" stamped by the exchange.
type Message struct {
	Type string
	dict KeyDict
}

// NewMessage builds the schema for a message type from its payload
// fields.
func NewMessage(msgType string, fields map[string]Type) Message {
	return NewMessageWithOptional(msgType, fields, nil)
}

// NewMessageWithOptional builds a message schema whose listed payload
// fields may be absent.
func NewMessageWithOptional(msgType string, fields map[string]Type, optional []string) Message {
	all := map[string]Type{
		"type":      Constant{Value: msgType},
		"timestamp": Time{},
		"api":       Any{},
	}
	for k, t := range fields {
		all[k] = t
	}
	return Message{
		Type: msgType,
		dict: KeyDict{
			Fields:   all,
			Optional: append([]string{"timestamp", "api"}, optional...),
		},
	}
}

// Coerce validates a raw message mapping and returns its canonical form.
func (m Message) Coerce(message bson.M) (bson.M, error) {
	coerced, err := m.dict.Coerce(message)
	if err != nil {
		return nil, err
	}
	return coerced.(bson.M), nil
}
