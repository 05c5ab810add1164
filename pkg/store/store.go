package store

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stewardsys/steward/pkg/log"
	"github.com/stewardsys/steward/pkg/persist"
	"github.com/stewardsys/steward/pkg/reactor"
	"github.com/stewardsys/steward/pkg/schema"
)

const (
	messagesDir = "messages"
	heldDir     = "held"
	fileSuffix  = ".msg"
)

// TopicMessageTypeAcceptanceChanged fires once per type whose acceptance
// flips in SetAcceptedTypes, with arguments (type string, accepted bool).
var TopicMessageTypeAcceptanceChanged = reactor.T("message-type-acceptance-changed")

// MessageStore is the durable outbound queue. It is not safe for
// concurrent use; the reactor's single-threaded discipline serialises
// access.
type MessageStore struct {
	persist *persist.Persist
	reactor *reactor.Reactor
	dir     string
	schemas map[string]schema.Message
	logger  zerolog.Logger

	// lastAck is the size of the most recent acknowledgement advance.
	// DeleteOldMessages keeps that many acknowledged messages around
	// so the server can still rewind over its last acknowledgement.
	lastAck int64
}

// New creates a MessageStore over a data directory, creating the message
// directories as needed. The Persist document is the caller's; the store
// only writes it on Commit.
func New(p *persist.Persist, r *reactor.Reactor, dir string) (*MessageStore, error) {
	for _, sub := range []string{messagesDir, heldDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create message directory: %w", err)
		}
	}
	return &MessageStore{
		persist: p,
		reactor: r,
		dir:     dir,
		schemas: make(map[string]schema.Message),
		logger:  log.WithComponent("message-store"),
	}, nil
}

// AddSchema registers the schema for a message type. Re-registering a
// type replaces its schema.
func (s *MessageStore) AddSchema(ms schema.Message) {
	s.schemas[ms.Type] = ms
}

// Add validates a message and appends it to the pending queue, or to the
// held queue when its type is not currently accepted. It returns an
// opaque message id usable with IsPending.
func (s *MessageStore) Add(message bson.M) (string, error) {
	msgType, _ := message["type"].(string)
	ms, ok := s.schemas[msgType]
	if !ok {
		return "", &schema.InvalidError{Path: "type", Msg: fmt.Sprintf("no schema registered for %q", msgType)}
	}
	coerced, err := ms.Coerce(message)
	if err != nil {
		return "", err
	}
	data, err := bson.Marshal(coerced)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	if s.accepts(msgType) {
		num, err := s.nextPendingNumber()
		if err != nil {
			return "", err
		}
		if err := s.writeMessageFile(messagesDir, num, data); err != nil {
			return "", err
		}
		return pendingID(num), nil
	}

	num, err := s.nextHeldNumber()
	if err != nil {
		return "", err
	}
	if err := s.writeMessageFile(heldDir, num, data); err != nil {
		return "", err
	}
	return heldID(num), nil
}

// SetAcceptedTypes replaces the accepted set. Held messages of newly
// accepted types move to the pending queue in their original enqueue
// order. One acceptance-changed event fires per type whose acceptance
// flipped: additions first, then removals, each alphabetical.
func (s *MessageStore) SetAcceptedTypes(types []string) error {
	old := s.GetAcceptedTypes()
	oldSet := stringSet(old)
	newSet := stringSet(types)

	var added, removed []string
	for t := range newSet {
		if !oldSet[t] {
			added = append(added, t)
		}
	}
	for t := range oldSet {
		if !newSet[t] {
			removed = append(removed, t)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	list := make([]interface{}, 0, len(newSet))
	for _, t := range dedup(types) {
		list = append(list, t)
	}
	s.persist.Set("accepted-types", list)

	if len(added) > 0 {
		if err := s.promoteHeld(stringSet(added)); err != nil {
			return err
		}
	}

	for _, t := range added {
		s.reactor.Fire(TopicMessageTypeAcceptanceChanged, t, true)
	}
	for _, t := range removed {
		s.reactor.Fire(TopicMessageTypeAcceptanceChanged, t, false)
	}
	return nil
}

// GetAcceptedTypes returns the accepted set in its stored order.
func (s *MessageStore) GetAcceptedTypes() []string {
	return s.persist.GetStringList("accepted-types")
}

// AcceptedTypesDigest returns the MD5 of the sorted, ";"-joined accepted
// types. The empty set digests the empty string.
func (s *MessageStore) AcceptedTypesDigest() []byte {
	return TypesDigest(s.GetAcceptedTypes())
}

// TypesDigest computes the accepted-types fingerprint for any type list.
func TypesDigest(types []string) []byte {
	sorted := append([]string(nil), types...)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, ";")))
	return sum[:]
}

// GetPendingMessages returns the messages awaiting transmission, starting
// at the pending offset, capped at max when max > 0.
func (s *MessageStore) GetPendingMessages(max int) ([]bson.M, error) {
	nums, err := s.messageNumbers(messagesDir)
	if err != nil {
		return nil, err
	}
	offset := int(s.GetPendingOffset())
	if offset > len(nums) {
		offset = len(nums)
	}
	nums = nums[offset:]
	if max > 0 && len(nums) > max {
		nums = nums[:max]
	}
	messages := make([]bson.M, 0, len(nums))
	for _, num := range nums {
		m, err := s.readMessageFile(messagesDir, num)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// CountPendingMessages returns the number of messages awaiting
// transmission, including those past any payload cap.
func (s *MessageStore) CountPendingMessages() (int, error) {
	nums, err := s.messageNumbers(messagesDir)
	if err != nil {
		return 0, err
	}
	count := len(nums) - int(s.GetPendingOffset())
	if count < 0 {
		count = 0
	}
	return count, nil
}

// AddPendingOffset advances the pending offset and the sequence by n
// acknowledged messages. Acknowledged messages stay on disk until
// DeleteOldMessages retires them, so a server-side rewind over the
// acknowledgement can still retransmit them.
func (s *MessageStore) AddPendingOffset(n int64) error {
	s.SetPendingOffset(s.GetPendingOffset() + n)
	s.SetSequence(s.GetSequence() + n)
	if n > 0 {
		s.lastAck = n
	}
	return nil
}

// DeleteOldMessages retires acknowledged messages that are unlikely to
// be needed again, keeping the most recent acknowledgement's worth as
// the rewind window. The exchange calls this after each handled
// response.
func (s *MessageStore) DeleteOldMessages() error {
	if s.lastAck <= 0 {
		return nil
	}
	nums, err := s.messageNumbers(messagesDir)
	if err != nil {
		return err
	}
	acked := s.GetPendingOffset()
	if acked > int64(len(nums)) {
		acked = int64(len(nums))
	}
	if acked <= s.lastAck {
		return nil
	}
	drop := acked - s.lastAck
	for _, num := range nums[:drop] {
		if err := os.Remove(s.messagePath(messagesDir, num)); err != nil {
			return fmt.Errorf("failed to delete old message: %w", err)
		}
	}
	s.SetPendingOffset(s.GetPendingOffset() - drop)
	return nil
}

// GetPendingOffset returns the index within the retained queue of the
// next message to transmit.
func (s *MessageStore) GetPendingOffset() int64 {
	return s.persist.GetInt("pending-offset", 0)
}

// SetPendingOffset sets the pending offset without touching the queue.
func (s *MessageStore) SetPendingOffset(n int64) {
	s.persist.Set("pending-offset", n)
}

// GetSequence returns the sequence number of the next message to
// transmit; this is the value the exchange payload carries.
func (s *MessageStore) GetSequence() int64 {
	return s.persist.GetInt("sequence", 0)
}

// SetSequence sets the transmit sequence.
func (s *MessageStore) SetSequence(n int64) {
	s.persist.Set("sequence", n)
}

// GetServerSequence returns the count of inbound messages received.
func (s *MessageStore) GetServerSequence() int64 {
	return s.persist.GetInt("server-sequence", 0)
}

// SetServerSequence records the count of inbound messages received.
func (s *MessageStore) SetServerSequence(n int64) {
	s.persist.Set("server-sequence", n)
}

// Commit flushes the queue metadata to disk.
func (s *MessageStore) Commit() error {
	return s.persist.Save()
}

// IsPending reports whether the message with the given id is still
// awaiting transmission or acknowledgement.
func (s *MessageStore) IsPending(id string) bool {
	kind, num, ok := parseID(id)
	if !ok || kind != 'p' {
		return false
	}
	if num < s.GetSequence() {
		return false
	}
	_, err := os.Stat(s.messagePath(messagesDir, num))
	return err == nil
}

// HasHeldMessages reports whether any held message has one of the given
// types.
func (s *MessageStore) HasHeldMessages(types []string) (bool, error) {
	set := stringSet(types)
	nums, err := s.messageNumbers(heldDir)
	if err != nil {
		return false, err
	}
	for _, num := range nums {
		m, err := s.readMessageFile(heldDir, num)
		if err != nil {
			return false, err
		}
		if msgType, _ := m["type"].(string); set[msgType] {
			return true, nil
		}
	}
	return false, nil
}

func (s *MessageStore) accepts(msgType string) bool {
	for _, t := range s.GetAcceptedTypes() {
		if t == msgType {
			return true
		}
	}
	return false
}

// promoteHeld moves held messages whose type is in types into the pending
// queue, preserving held order.
func (s *MessageStore) promoteHeld(types map[string]bool) error {
	nums, err := s.messageNumbers(heldDir)
	if err != nil {
		return err
	}
	for _, num := range nums {
		m, err := s.readMessageFile(heldDir, num)
		if err != nil {
			return err
		}
		msgType, _ := m["type"].(string)
		if !types[msgType] {
			continue
		}
		data, err := bson.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode held message: %w", err)
		}
		pendingNum, err := s.nextPendingNumber()
		if err != nil {
			return err
		}
		if err := s.writeMessageFile(messagesDir, pendingNum, data); err != nil {
			return err
		}
		if err := os.Remove(s.messagePath(heldDir, num)); err != nil {
			return fmt.Errorf("failed to remove held message: %w", err)
		}
	}
	return nil
}

// nextPendingNumber returns the sequence number the next enqueued message
// receives. With retained messages present it extends the queue;
// otherwise the queue restarts at the current sequence.
func (s *MessageStore) nextPendingNumber() (int64, error) {
	nums, err := s.messageNumbers(messagesDir)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return s.GetSequence(), nil
	}
	return nums[len(nums)-1] + 1, nil
}

func (s *MessageStore) nextHeldNumber() (int64, error) {
	nums, err := s.messageNumbers(heldDir)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, nil
	}
	return nums[len(nums)-1] + 1, nil
}

func (s *MessageStore) messageNumbers(sub string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", sub, err)
	}
	nums := make([]int64, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		num, err := strconv.ParseInt(strings.TrimSuffix(name, fileSuffix), 10, 64)
		if err != nil {
			s.logger.Warn().Str("file", name).Msg("ignoring unparseable message file")
			continue
		}
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func (s *MessageStore) messagePath(sub string, num int64) string {
	return filepath.Join(s.dir, sub, fmt.Sprintf("%09d%s", num, fileSuffix))
}

func (s *MessageStore) writeMessageFile(sub string, num int64, data []byte) error {
	dir := filepath.Join(s.dir, sub)
	tmp, err := os.CreateTemp(dir, ".msg-*")
	if err != nil {
		return fmt.Errorf("failed to create message file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write message file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close message file: %w", err)
	}
	if err := os.Rename(tmpName, s.messagePath(sub, num)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to place message file: %w", err)
	}
	return nil
}

func (s *MessageStore) readMessageFile(sub string, num int64) (bson.M, error) {
	data, err := os.ReadFile(s.messagePath(sub, num))
	if err != nil {
		return nil, fmt.Errorf("failed to read message file: %w", err)
	}
	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(data)))
	dec.DefaultDocumentM()
	var m bson.M
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode message file: %w", err)
	}
	return m, nil
}

func pendingID(num int64) string {
	return fmt.Sprintf("p:%09d", num)
}

func heldID(num int64) string {
	return fmt.Sprintf("h:%09d", num)
}

func parseID(id string) (byte, int64, bool) {
	if len(id) < 3 || id[1] != ':' {
		return 0, 0, false
	}
	num, err := strconv.ParseInt(id[2:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return id[0], num, true
}

func stringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func dedup(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
