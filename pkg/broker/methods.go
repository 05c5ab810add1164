package broker

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/ipc"
)

// RegisterMethods exposes the broker's method table on an IPC server.
func (b *BrokerServer) RegisterMethods(server *ipc.Server) {
	server.Register("ping", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return b.Ping(), nil
	})
	server.Register("register_client", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return b.RegisterClient(name), nil
	})
	server.Register("send_message", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		message, err := mapArg(args, 0, "message")
		if err != nil {
			return nil, err
		}
		urgent := false
		if len(args) > 1 {
			urgent, _ = args[1].(bool)
		}
		return b.SendMessage(message, urgent)
	})
	server.Register("is_message_pending", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		id, err := stringArg(args, 0, "message_id")
		if err != nil {
			return nil, err
		}
		return b.IsMessagePending(id), nil
	})
	server.Register("stop_clients", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		b.StopClients()
		return nil, nil
	})
	server.Register("reload_configuration", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return nil, b.ReloadConfiguration()
	})
	server.Register("register", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return nil, b.Register()
	})
	server.Register("get_accepted_message_types", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return b.GetAcceptedMessageTypes(), nil
	})
	server.Register("get_server_uuid", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return b.GetServerUUID(), nil
	})
	server.Register("register_client_accepted_message_type", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		msgType, err := stringArg(args, 0, "type")
		if err != nil {
			return nil, err
		}
		b.RegisterClientAcceptedMessageType(msgType)
		return nil, nil
	})
	server.Register("exit", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		b.Exit()
		return nil, nil
	})
}

func stringArg(args []interface{}, index int, name string) (string, error) {
	if index >= len(args) {
		return "", fmt.Errorf("missing argument %s", name)
	}
	s, ok := args[index].(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", name)
	}
	return s, nil
}

func mapArg(args []interface{}, index int, name string) (bson.M, error) {
	if index >= len(args) {
		return nil, fmt.Errorf("missing argument %s", name)
	}
	switch m := args[index].(type) {
	case bson.M:
		return m, nil
	case map[string]interface{}:
		return bson.M(m), nil
	default:
		return nil, fmt.Errorf("argument %s must be a mapping", name)
	}
}
