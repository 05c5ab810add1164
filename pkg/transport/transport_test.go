package transport

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func decodePayload(t *testing.T, body io.Reader) bson.M {
	t.Helper()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(data)))
	dec.DefaultDocumentM()
	var m bson.M
	require.NoError(t, dec.Decode(&m))
	return m
}

func bsonBody(t *testing.T, doc bson.M) []byte {
	t.Helper()
	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestExchangeRoundTrip(t *testing.T) {
	var gotPayload bson.M
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPayload = decodePayload(t, r.Body)
		gotHeaders = r.Header.Clone()
		w.Write(bsonBody(t, bson.M{
			"next-expected-sequence": int64(5),
			"messages":               []interface{}{},
		}))
	}))
	defer server.Close()

	tr := New(server.URL)
	response, err := tr.Exchange(bson.M{
		"sequence": int64(3),
		"messages": []interface{}{},
	}, "secure-id-1", "3.2")
	require.NoError(t, err)

	assert.Equal(t, int64(3), gotPayload["sequence"])
	assert.Equal(t, "3.2", gotHeaders.Get("X-Message-API"))
	assert.Equal(t, "secure-id-1", gotHeaders.Get("X-Computer-ID"))
	assert.Equal(t, contentType, gotHeaders.Get("Content-Type"))

	assert.Equal(t, int64(5), response["next-expected-sequence"])
}

func TestExchangeOmitsEmptyComputerID(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write(bsonBody(t, bson.M{"next-expected-sequence": int64(0), "messages": []interface{}{}}))
	}))
	defer server.Close()

	_, err := New(server.URL).Exchange(bson.M{"messages": []interface{}{}}, "", "3.2")
	require.NoError(t, err)
	_, present := gotHeaders["X-Computer-Id"]
	assert.False(t, present)
}

func TestExchangeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	response, err := New(server.URL).Exchange(bson.M{}, "", "3.2")
	assert.Error(t, err)
	assert.Nil(t, response)
}

func TestExchangeMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not bson"))
	}))
	defer server.Close()

	response, err := New(server.URL).Exchange(bson.M{}, "", "3.2")
	assert.Error(t, err)
	assert.Nil(t, response)
}

func TestExchangeConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	response, err := New(server.URL).Exchange(bson.M{}, "", "3.2")
	assert.Error(t, err)
	assert.Nil(t, response)
}

func TestSetURL(t *testing.T) {
	tr := New("http://old.example.com/exchange")
	tr.SetURL("http://new.example.com/exchange")
	assert.Equal(t, "http://new.example.com/exchange", tr.URL())
}
