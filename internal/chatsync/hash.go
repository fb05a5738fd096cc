package chatsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// Kind selects the canonicalisation applied before hashing.
type Kind int

const (
	// KindGeneric hashes a value with sorted object keys and normalised
	// numbers and strings.
	KindGeneric Kind = iota

	// KindChat additionally ignores message order, the updatedAt stamp and
	// which alias carries the title.
	KindChat
)

// Fields of a chat record the engine reads.
const (
	fieldID        = "id"
	fieldChatID    = "chatID"
	fieldTitle     = "title"
	fieldChatTitle = "chatTitle"
	fieldUpdatedAt = "updatedAt"
	fieldFolderID  = "folderID"
	fieldMessages  = "messages"
	fieldTimestamp = "timestamp"
	fieldCreatedAt = "createdAt"
	fieldSequence  = "sequence"
)

// Hash returns the hex SHA-256 digest of the canonical form of a JSON
// document.
func Hash(content []byte, kind Kind) (string, error) {
	v, err := decodeJSON(content)
	if err != nil {
		return "", err
	}

	return hashValue(v, kind), nil
}

// HashChat is Hash with KindChat.
func HashChat(content []byte) (string, error) {
	return Hash(content, KindChat)
}

// HashSetting hashes a setting value. Values that are not JSON are hashed
// as a JSON string so free-form text settings still get a stable digest.
func HashSetting(value []byte) string {
	if v, err := decodeJSON(value); err == nil {
		return hashValue(v, KindGeneric)
	}

	return hashValue(norm.NFC.String(string(value)), KindGeneric)
}

func hashValue(v any, kind Kind) string {
	if kind == KindChat {
		v = canonicalChat(v)
	}

	var buf bytes.Buffer
	writeCanonical(&buf, v)

	sum := sha256.Sum256(buf.Bytes())

	return hex.EncodeToString(sum[:])
}

func decodeJSON(content []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}

	if dec.More() {
		return nil, fmt.Errorf("decoding json: trailing data")
	}

	return v, nil
}

// canonicalChat folds the title alias, drops updatedAt and orders the
// messages so equivalent chats hash identically.
func canonicalChat(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}

	out := make(map[string]any, len(obj))
	for k, val := range obj {
		out[k] = val
	}

	if alias, ok := out[fieldChatTitle]; ok {
		if t, has := out[fieldTitle]; !has || t == nil {
			out[fieldTitle] = alias
		}

		delete(out, fieldChatTitle)
	}

	delete(out, fieldUpdatedAt)

	if msgs, ok := out[fieldMessages].([]any); ok {
		out[fieldMessages] = sortedMessages(msgs)
	}

	return out
}

type messageKey struct {
	ts        int64
	hasTS     bool
	seq       float64
	hasSeq    bool
	canonical string
}

func keyOf(m any) messageKey {
	var buf bytes.Buffer
	writeCanonical(&buf, m)

	k := messageKey{canonical: buf.String()}

	obj, ok := m.(map[string]any)
	if !ok {
		return k
	}

	k.ts, k.hasTS = messageTime(obj)

	if n, ok := obj[fieldSequence].(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			k.seq, k.hasSeq = f, true
		}
	}

	return k
}

// compareKeys orders by timestamp, then sequence, then canonical form.
// Messages missing a timestamp or sequence sort after those that have one.
func compareKeys(a, b messageKey) int {
	if a.hasTS != b.hasTS {
		if a.hasTS {
			return -1
		}

		return 1
	}

	if a.hasTS && a.ts != b.ts {
		if a.ts < b.ts {
			return -1
		}

		return 1
	}

	if a.hasSeq != b.hasSeq {
		if a.hasSeq {
			return -1
		}

		return 1
	}

	if a.hasSeq && a.seq != b.seq {
		if a.seq < b.seq {
			return -1
		}

		return 1
	}

	switch {
	case a.canonical < b.canonical:
		return -1
	case a.canonical > b.canonical:
		return 1
	}

	return 0
}

func sortedMessages(msgs []any) []any {
	type keyed struct {
		msg any
		key messageKey
	}

	ks := make([]keyed, len(msgs))
	for i, m := range msgs {
		ks[i] = keyed{msg: m, key: keyOf(m)}
	}

	sort.SliceStable(ks, func(i, j int) bool { return compareKeys(ks[i].key, ks[j].key) < 0 })

	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = k.msg
	}

	return out
}

// messageTime reads a message's timestamp in epoch milliseconds from
// either a number or an RFC 3339 string.
func messageTime(obj map[string]any) (int64, bool) {
	for _, field := range []string{fieldTimestamp, fieldCreatedAt} {
		if ts, ok := parseTime(obj[field]); ok {
			return ts, true
		}
	}

	return 0, false
}

func parseTime(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}

		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli(), true
		}
	}

	return 0, false
}

// writeCanonical serialises v with sorted keys, null members dropped,
// NFC strings and numbers in shortest form.
func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		buf.WriteString(canonicalNumber(t))
	case float64:
		buf.WriteString(canonicalNumber(json.Number(strconv.FormatFloat(t, 'g', -1, 64))))
	case string:
		writeString(buf, t)
	case []any:
		buf.WriteByte('[')

		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}

			writeCanonical(buf, e)
		}

		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k, val := range t {
			if val != nil {
				keys = append(keys, k)
			}
		}

		sort.Slice(keys, func(i, j int) bool {
			return norm.NFC.String(keys[i]) < norm.NFC.String(keys[j])
		})

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			writeString(buf, k)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}

		buf.WriteByte('}')
	default:
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(norm.NFC.String(s))
	buf.Write(b)
}

// canonicalNumber renders 1, 1.0 and 1e0 identically.
func canonicalNumber(n json.Number) string {
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return n.String()
	}

	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ChatID returns a chat record's identifier.
func ChatID(record []byte) string {
	r := gjson.GetManyBytes(record, fieldID, fieldChatID)
	for _, v := range r {
		if v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

// ChatUpdatedAt returns a chat record's updatedAt in epoch milliseconds,
// or 0 if absent.
func ChatUpdatedAt(record []byte) int64 {
	v := gjson.GetBytes(record, fieldUpdatedAt)

	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return ts.UnixMilli()
		}
	}

	return 0
}

// ChatTitle returns the record's title from either alias.
func ChatTitle(record []byte) string {
	for _, field := range []string{fieldTitle, fieldChatTitle} {
		if v := gjson.GetBytes(record, field); v.Exists() && v.Type == gjson.String {
			return v.Str
		}
	}

	return ""
}
