package ipc

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/schema"
)

func newServerClient(t *testing.T) (*Server, *Client) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "broker.sock")
	server := NewServer(reactor.New(), socket)
	t.Cleanup(server.Stop)

	server.Register("ping", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return true, nil
	})
	server.Register("echo", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return args[0], nil
	})
	server.Register("concat", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return args[0].(string) + kwargs["suffix"].(string), nil
	})
	server.Register("fail", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return nil, errors.New("deliberate failure")
	})
	server.Register("badschema", func(args []interface{}, kwargs bson.M) (interface{}, error) {
		return nil, &schema.InvalidError{Path: "data", Msg: "expected integer"}
	})
	require.NoError(t, server.Start())

	client, err := Dial(socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestCallRoundTrip(t *testing.T) {
	_, client := newServerClient(t)

	result, err := client.Call("ping")
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestCallWithArguments(t *testing.T) {
	_, client := newServerClient(t)

	result, err := client.Call("echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestCallWithKwargs(t *testing.T) {
	_, client := newServerClient(t)

	result, err := client.CallKw("concat", []interface{}{"foo"}, bson.M{"suffix": "bar"})
	require.NoError(t, err)
	assert.Equal(t, "foobar", result)
}

func TestCallEchoesStructuredData(t *testing.T) {
	_, client := newServerClient(t)

	message := bson.M{"type": "data", "data": int64(7), "list": []interface{}{"a", "b"}}
	result, err := client.Call("echo", message)
	require.NoError(t, err)

	got, ok := result.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "data", got["type"])
	assert.Equal(t, int64(7), got["data"])
}

func TestUnknownMethod(t *testing.T) {
	_, client := newServerClient(t)

	_, err := client.Call("nonsense")
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "unknown-method", ce.Type)
}

func TestHandlerErrorPropagates(t *testing.T) {
	_, client := newServerClient(t)

	_, err := client.Call("fail")
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "error", ce.Type)
	assert.Equal(t, "deliberate failure", ce.Message)
}

func TestSchemaErrorType(t *testing.T) {
	_, client := newServerClient(t)

	_, err := client.Call("badschema")
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "schema-error", ce.Type)
}

func TestSequentialCallsOnOneConnection(t *testing.T) {
	_, client := newServerClient(t)

	for i := 0; i < 10; i++ {
		result, err := client.Call("echo", int64(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), result)
	}
}

func TestConcurrentClients(t *testing.T) {
	server, _ := newServerClient(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			client, err := Dial(server.socketPath)
			if err != nil {
				t.Error(err)
				return
			}
			defer client.Close()
			for j := int64(0); j < 5; j++ {
				result, err := client.Call("echo", n*100+j)
				if err != nil {
					t.Error(err)
					return
				}
				if result != n*100+j {
					t.Errorf("got %v, want %d", result, n*100+j)
				}
			}
		}(int64(i))
	}
	wg.Wait()
}

func TestStopClosesConnections(t *testing.T) {
	server, client := newServerClient(t)
	server.Stop()

	_, err := client.Call("ping")
	assert.Error(t, err)
}

func TestStaleSocketIsReplaced(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "broker.sock")

	first := NewServer(reactor.New(), socket)
	require.NoError(t, first.Start())
	first.Stop()

	second := NewServer(reactor.New(), socket)
	require.NoError(t, second.Start())
	defer second.Stop()

	client, err := Dial(socket)
	require.NoError(t, err)
	client.Close()
}
