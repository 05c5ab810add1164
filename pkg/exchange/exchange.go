package exchange

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/identity"
	"github.com/stewardsys/steward/pkg/log"
	"github.com/stewardsys/steward/pkg/metrics"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/schema"
	"github.com/stewardsys/steward/pkg/store"
)

// APICurrent is the agent's own API version constant.
const APICurrent = "3.2"

// legacyAPI buckets messages whose api field is absent.
const legacyAPI = "2.0"

// Reactor topics owned by the exchange.
var (
	TopicPreExchange          = reactor.T("pre-exchange")
	TopicExchangeDone         = reactor.T("exchange-done")
	TopicExchangeFailed       = reactor.T("exchange-failed")
	TopicImpendingExchange    = reactor.T("impending-exchange")
	TopicResynchronizeClients = reactor.T("resynchronize-clients")
	TopicServerUUIDChanged    = reactor.T("server-uuid-changed")
	TopicMessage              = reactor.T("message")
	TopicPreExit              = reactor.T("pre-exit")
)

// Transport delivers one payload and returns the server's response.
type Transport interface {
	Exchange(payload bson.M, computerID, messageAPI string) (bson.M, error)
}

// Config carries the exchange tunables. Zero values select the defaults.
type Config struct {
	ExchangeInterval       time.Duration // regular period, default 15m
	UrgentExchangeInterval time.Duration // urgent period, default 1m
	MaxMessages            int           // payload cap, default 100
	PreExchangeLeadTime    time.Duration // impending-exchange lead, default 10s
}

func (c Config) withDefaults() Config {
	if c.ExchangeInterval == 0 {
		c.ExchangeInterval = 15 * time.Minute
	}
	if c.UrgentExchangeInterval == 0 {
		c.UrgentExchangeInterval = time.Minute
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 100
	}
	if c.PreExchangeLeadTime == 0 {
		c.PreExchangeLeadTime = 10 * time.Second
	}
	return c
}

// MessageExchange owns the exchange loop. All methods must run on the
// reactor's goroutine; the engine is single-threaded by design.
type MessageExchange struct {
	reactor   *reactor.Reactor
	store     *store.MessageStore
	transport Transport
	identity  *identity.Identity
	logger    zerolog.Logger

	exchangeInterval time.Duration
	urgentInterval   time.Duration
	maxMessages      int
	leadTime         time.Duration

	urgent     bool
	exchanging bool
	stopped    bool

	exchangeTimer  int
	impendingTimer int

	clientTypes          map[string]bool
	serverClientTypeHash []byte
}

// New creates the exchange engine and registers its reactor
// subscriptions. Call Start to schedule the first exchange.
func New(r *reactor.Reactor, s *store.MessageStore, t Transport, id *identity.Identity, cfg Config) *MessageExchange {
	cfg = cfg.withDefaults()
	e := &MessageExchange{
		reactor:          r,
		store:            s,
		transport:        t,
		identity:         id,
		logger:           log.WithComponent("exchange"),
		exchangeInterval: cfg.ExchangeInterval,
		urgentInterval:   cfg.UrgentExchangeInterval,
		maxMessages:      cfg.MaxMessages,
		leadTime:         cfg.PreExchangeLeadTime,
		clientTypes:      make(map[string]bool),
	}

	s.AddSchema(schema.NewMessageWithOptional("resynchronize",
		map[string]schema.Type{"operation-id": schema.Int{}},
		[]string{"operation-id"}))

	r.CallOn(TopicResynchronizeClients, func(args ...interface{}) (interface{}, error) {
		e.ScheduleExchange(true)
		return nil, nil
	})
	r.CallOn(reactor.Msg("accepted-types"), func(args ...interface{}) (interface{}, error) {
		return nil, e.handleAcceptedTypes(messageArg(args))
	})
	r.CallOn(reactor.Msg("set-intervals"), func(args ...interface{}) (interface{}, error) {
		e.handleSetIntervals(messageArg(args))
		return nil, nil
	})
	r.CallOn(TopicPreExit, func(args ...interface{}) (interface{}, error) {
		e.Stop()
		return nil, nil
	})
	return e
}

// Start schedules the first exchange in urgent mode.
func (e *MessageExchange) Start() {
	e.stopped = false
	e.ScheduleExchange(true)
}

// Stop cancels any scheduled exchange. Idempotent; an exchange already
// executing runs to completion.
func (e *MessageExchange) Stop() {
	e.stopped = true
	e.cancelTimers()
}

// IsUrgent reports whether urgent exchange mode is set.
func (e *MessageExchange) IsUrgent() bool {
	return e.urgent
}

// GetExchangeIntervals returns the (urgent, regular) intervals.
func (e *MessageExchange) GetExchangeIntervals() (time.Duration, time.Duration) {
	return e.urgentInterval, e.exchangeInterval
}

// SetIntervals replaces the exchange intervals (configuration reload).
// Zero values leave the corresponding interval unchanged.
func (e *MessageExchange) SetIntervals(urgent, regular time.Duration) {
	if urgent > 0 {
		e.urgentInterval = urgent
	}
	if regular > 0 {
		e.exchangeInterval = regular
	}
}

// Send stamps and enqueues an outbound message, optionally switching to
// urgent mode. It returns the store's message id.
func (e *MessageExchange) Send(message bson.M, urgent bool) (string, error) {
	if _, ok := message["timestamp"]; !ok {
		message["timestamp"] = e.reactor.Time().Unix()
	}
	if _, ok := message["api"]; !ok {
		message["api"] = APICurrent
	}
	id, err := e.store.Add(message)
	if err != nil {
		return "", err
	}
	if urgent {
		e.ScheduleExchange(true)
	}
	return id, nil
}

// RegisterClientAcceptedMessageType records a message type consumed by a
// local client; the set is advertised to the server when it disagrees
// with the server's record of it.
func (e *MessageExchange) RegisterClientAcceptedMessageType(msgType string) {
	e.clientTypes[msgType] = true
}

// ScheduleExchange schedules the next exchange. An urgent request
// upgrades a scheduled regular exchange; it never pushes a scheduled
// urgent exchange forward. During an exchange the request only marks the
// mode and the post-exchange reschedule applies it.
func (e *MessageExchange) ScheduleExchange(urgent bool) {
	e.stopped = false
	if e.exchanging {
		if urgent {
			e.urgent = true
		}
		return
	}
	if e.exchangeTimer != 0 && !(urgent && !e.urgent) {
		return
	}
	if urgent {
		e.urgent = true
	}
	e.reschedule()
}

// Exchange performs one synchronous exchange cycle. Only persistence
// failures are returned; transport failures reschedule and return nil.
func (e *MessageExchange) Exchange() error {
	e.exchanging = true
	defer func() { e.exchanging = false }()

	timer := metrics.NewTimer()
	e.reactor.Fire(TopicPreExchange)

	payload, err := e.MakePayload()
	if err != nil {
		return fmt.Errorf("failed to assemble payload: %w", err)
	}
	sent := payload["messages"].([]interface{})
	if e.urgent {
		e.logger.Info().Int("messages", len(sent)).Msg("starting urgent message exchange")
	} else {
		e.logger.Info().Int("messages", len(sent)).Msg("starting message exchange")
	}

	response, err := e.transport.Exchange(payload, e.identity.SecureID(), payload["server-api"].(string))
	if err != nil || response == nil {
		if err != nil {
			e.logger.Error().Err(err).Msg("message exchange failed")
		}
		metrics.ExchangesTotal.WithLabelValues("failed").Inc()
		e.reactor.Fire(TopicExchangeFailed)
		e.exchanging = false
		e.rescheduleAfterExchange()
		return nil
	}

	// Urgent mode is only re-set by explicit triggers while the
	// response is handled.
	e.urgent = false
	if err := e.handleResponse(payload, response); err != nil {
		return err
	}

	metrics.MessagesSentTotal.Add(float64(len(sent)))
	metrics.ExchangesTotal.WithLabelValues("success").Inc()
	timer.ObserveDuration(metrics.ExchangeDuration)

	e.reactor.Fire(TopicExchangeDone)
	e.exchanging = false
	e.rescheduleAfterExchange()
	return nil
}

// MakePayload assembles the next outbound payload from the pending
// queue.
func (e *MessageExchange) MakePayload() (bson.M, error) {
	total, err := e.store.CountPendingMessages()
	if err != nil {
		return nil, err
	}
	pending, err := e.store.GetPendingMessages(e.maxMessages)
	if err != nil {
		return nil, err
	}

	serverAPI := APICurrent
	messages := make([]interface{}, 0, len(pending))
	if len(pending) > 0 {
		// The server assigns sequence numbers to the batch
		// implicitly, so a batch must be a contiguous run from the
		// front of the queue; it ends where the api version changes.
		serverAPI = messageAPI(pending[0])
		for _, m := range pending {
			if messageAPI(m) != serverAPI {
				break
			}
			messages = append(messages, m)
		}
	}

	payload := bson.M{
		"server-api":             serverAPI,
		"client-api":             APICurrent,
		"sequence":               e.store.GetSequence(),
		"next-expected-sequence": e.store.GetServerSequence(),
		"accepted-types":         e.store.AcceptedTypesDigest(),
		"messages":               messages,
		"total-messages":         total,
	}

	if len(e.clientTypes) > 0 {
		types := make([]string, 0, len(e.clientTypes))
		for t := range e.clientTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		if digest := store.TypesDigest(types); !bytes.Equal(digest, e.serverClientTypeHash) {
			payload["client-accepted-types"] = types
			payload["client-accepted-types-hash"] = digest
		}
	}
	return payload, nil
}

func (e *MessageExchange) handleResponse(payload, response bson.M) error {
	sequenceSent := payload["sequence"].(int64)
	sentCount := int64(len(payload["messages"].([]interface{})))

	nextExpected, ok := intValue(response["next-expected-sequence"])
	if !ok {
		nextExpected = sequenceSent + sentCount
	}

	switch {
	case nextExpected > sequenceSent:
		if err := e.store.AddPendingOffset(nextExpected - sequenceSent); err != nil {
			return err
		}
	case nextExpected < sequenceSent:
		if err := e.handleSequenceLoss(nextExpected, sequenceSent); err != nil {
			return err
		}
	case sentCount > 0:
		// The server keeps asking for the message it just received;
		// its handler is likely broken. Going urgent here would turn
		// the standoff into a busy loop.
		e.logger.Warn().Int64("sequence", sequenceSent).
			Msg("server made no progress on delivered messages")
	}
	if err := e.store.DeleteOldMessages(); err != nil {
		return err
	}
	if err := e.store.Commit(); err != nil {
		return fmt.Errorf("failed to commit message store: %w", err)
	}

	e.handleServerUUID(response)

	if hash, ok := bytesValue(response["client-accepted-types-hash"]); ok {
		e.serverClientTypeHash = hash
	}

	if next, ok := intValue(response["next-exchange"]); ok {
		e.logger.Debug().Int64("seconds", next).Msg("server advised next exchange")
	}

	for _, raw := range listValue(response["messages"]) {
		message, ok := mapValue(raw)
		if !ok {
			e.logger.Warn().Msg("discarding malformed server message")
			continue
		}
		if err := e.dispatchMessage(message); err != nil {
			return err
		}
	}

	if count, err := e.store.CountPendingMessages(); err == nil {
		metrics.PendingMessages.Set(float64(count))
	}
	return nil
}

// dispatchMessage commits the advanced server sequence, then fires the
// generic and type-keyed message events. Handlers observe post-exchange
// store state.
func (e *MessageExchange) dispatchMessage(message bson.M) error {
	msgType, _ := message["type"].(string)
	metrics.MessagesReceivedTotal.WithLabelValues(msgType).Inc()

	e.store.SetServerSequence(e.store.GetServerSequence() + 1)
	if err := e.store.Commit(); err != nil {
		return fmt.Errorf("failed to commit server sequence: %w", err)
	}

	e.reactor.Fire(TopicMessage, message)
	e.reactor.Fire(reactor.Msg(msgType), message)

	if msgType == "resynchronize" {
		// The resynchronize response must precede the snapshot
		// messages the clients enqueue.
		outbound := bson.M{"type": "resynchronize"}
		if opID, ok := intValue(message["operation-id"]); ok {
			outbound["operation-id"] = opID
		}
		if _, err := e.Send(outbound, false); err != nil {
			return fmt.Errorf("failed to queue resynchronize response: %w", err)
		}
		metrics.ResynchronizationsTotal.Inc()
		e.reactor.Fire(TopicResynchronizeClients)
	}
	return nil
}

// handleSequenceLoss recovers from a server that expects an older
// sequence than the one sent. A loss covered by the retained prefix of
// acknowledged messages rewinds; a deeper loss triggers a full
// resynchronization.
func (e *MessageExchange) handleSequenceLoss(nextExpected, sequenceSent int64) error {
	lost := sequenceSent - nextExpected
	offset := e.store.GetPendingOffset()
	if lost <= offset {
		e.logger.Warn().Int64("lost", lost).
			Msg("server lost messages, rewinding pending queue")
		e.store.SetPendingOffset(offset - lost)
		e.store.SetSequence(nextExpected)
		e.urgent = true
		return nil
	}

	e.logger.Warn().Int64("expected", nextExpected).Int64("sent", sequenceSent).
		Msg("server expects messages no longer retained, resynchronizing")
	metrics.ResynchronizationsTotal.Inc()
	if _, err := e.Send(bson.M{"type": "resynchronize"}, false); err != nil {
		return fmt.Errorf("failed to queue resynchronize message: %w", err)
	}
	e.reactor.Fire(TopicResynchronizeClients)
	e.urgent = true
	return nil
}

func (e *MessageExchange) handleServerUUID(response bson.M) {
	uuid, ok := response["server-uuid"].(string)
	if !ok {
		return
	}
	old := e.identity.ServerUUID()
	if uuid == old {
		return
	}
	e.identity.SetServerUUID(uuid)
	if err := e.identity.Save(); err != nil {
		e.logger.Error().Err(err).Msg("failed to persist server uuid")
	}
	e.reactor.Fire(TopicServerUUIDChanged, old, uuid)
}

func (e *MessageExchange) handleAcceptedTypes(message bson.M) error {
	types := stringList(message["types"])
	old := e.store.GetAcceptedTypes()

	newlyAccepted := diffTypes(types, old)
	heldBecamePending, err := e.store.HasHeldMessages(newlyAccepted)
	if err != nil {
		return err
	}

	if err := e.store.SetAcceptedTypes(types); err != nil {
		return err
	}
	if err := e.store.Commit(); err != nil {
		return err
	}
	e.logger.Info().Str("diff", acceptedTypesDiff(old, types)).
		Msg("accepted types changed")

	if heldBecamePending {
		e.ScheduleExchange(true)
	}
	return nil
}

func (e *MessageExchange) handleSetIntervals(message bson.M) {
	if v, ok := intValue(message["urgent-exchange"]); ok {
		e.urgentInterval = time.Duration(v) * time.Second
	}
	if v, ok := intValue(message["exchange"]); ok {
		e.exchangeInterval = time.Duration(v) * time.Second
	}
	e.logger.Info().
		Dur("urgent", e.urgentInterval).Dur("regular", e.exchangeInterval).
		Msg("exchange intervals updated")
}

// rescheduleAfterExchange reinstates the timers unless the engine was
// stopped, honoring whatever urgency the finished cycle left behind.
func (e *MessageExchange) rescheduleAfterExchange() {
	if e.stopped {
		return
	}
	e.reschedule()
}

func (e *MessageExchange) reschedule() {
	e.cancelTimers()
	interval := e.exchangeInterval
	if e.urgent {
		interval = e.urgentInterval
	}
	e.exchangeTimer = e.reactor.CallLater(interval, e.timerExchange)
	if interval > e.leadTime {
		e.impendingTimer = e.reactor.CallLater(interval-e.leadTime, func() {
			e.reactor.Fire(TopicImpendingExchange)
		})
	}
}

func (e *MessageExchange) timerExchange() {
	e.exchangeTimer = 0
	e.cancelTimers()
	if err := e.Exchange(); err != nil {
		// Persistence failures leave consistent state but cannot be
		// retried meaningfully; surface and stop exchanging.
		e.logger.Error().Err(err).Msg("exchange aborted")
		metrics.UpdateComponent("exchange", false, err.Error())
		e.Stop()
	}
}

func (e *MessageExchange) cancelTimers() {
	if e.exchangeTimer != 0 {
		e.reactor.CancelCall(e.exchangeTimer)
		e.exchangeTimer = 0
	}
	if e.impendingTimer != 0 {
		e.reactor.CancelCall(e.impendingTimer)
		e.impendingTimer = 0
	}
}

// acceptedTypesDiff renders an accepted-types transition for the log:
// additions with "+", unchanged bare, removals with "-".
func acceptedTypesDiff(old, new []string) string {
	oldSet := stringSetOf(old)
	newSet := stringSetOf(new)

	var parts []string
	for _, t := range sorted(new) {
		if !oldSet[t] {
			parts = append(parts, "+"+t)
		}
	}
	for _, t := range sorted(old) {
		if newSet[t] {
			parts = append(parts, t)
		}
	}
	for _, t := range sorted(old) {
		if !newSet[t] {
			parts = append(parts, "-"+t)
		}
	}
	return strings.Join(parts, " ")
}

func diffTypes(new, old []string) []string {
	oldSet := stringSetOf(old)
	var added []string
	for _, t := range new {
		if !oldSet[t] {
			added = append(added, t)
		}
	}
	return added
}

func messageAPI(m bson.M) string {
	if api, ok := m["api"].(string); ok && api != "" {
		return api
	}
	return legacyAPI
}

func messageArg(args []interface{}) bson.M {
	if len(args) > 0 {
		if m, ok := mapValue(args[0]); ok {
			return m
		}
	}
	return bson.M{}
}

func mapValue(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	default:
		return nil, false
	}
}

func listValue(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case bson.A:
		return []interface{}(l)
	default:
		return nil
	}
}

func stringList(v interface{}) []string {
	if direct, ok := v.([]string); ok {
		return direct
	}
	items := listValue(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func bytesValue(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case bson.Binary:
		return b.Data, true
	default:
		return nil, false
	}
}

func stringSetOf(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func sorted(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out
}

