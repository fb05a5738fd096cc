package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// fieldMessageID is the explicit identity of a message.
const fieldMessageID = "id"

// MergeChats combines a local and a remote version of one chat. The local
// record is the base. updatedAt becomes the later of the two; title and
// folder follow the remote only when it is strictly newer. Messages are
// unioned by id (or by their canonical form when they have none): remote
// messages missing locally are appended and no local message is removed
// or replaced. The result is ordered by timestamp, then sequence.
//
// Messages without an id that differ only in a volatile field are kept as
// two messages. Keeping a duplicate is preferred to dropping content.
func MergeChats(local, remote []byte) ([]byte, error) {
	base, err := decodeObject(local)
	if err != nil {
		return nil, fmt.Errorf("decoding local chat: %w", err)
	}

	other, err := decodeObject(remote)
	if err != nil {
		return nil, fmt.Errorf("decoding remote chat: %w", err)
	}

	localUpdated, _ := parseTime(base[fieldUpdatedAt])
	remoteUpdated, _ := parseTime(other[fieldUpdatedAt])

	if remoteUpdated > localUpdated {
		base[fieldUpdatedAt] = other[fieldUpdatedAt]

		_, hasTitle := other[fieldTitle]
		_, hasAlias := other[fieldChatTitle]

		if hasTitle || hasAlias {
			delete(base, fieldTitle)
			delete(base, fieldChatTitle)
		}

		for _, field := range []string{fieldTitle, fieldChatTitle, fieldFolderID} {
			if v, ok := other[field]; ok {
				base[field] = v
			}
		}
	}

	localMsgs, _ := base[fieldMessages].([]any)
	remoteMsgs, _ := other[fieldMessages].([]any)

	if localMsgs != nil || remoteMsgs != nil {
		base[fieldMessages] = unionMessages(localMsgs, remoteMsgs)
	}

	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(base); err != nil {
		return nil, fmt.Errorf("encoding merged chat: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeObject(data []byte) (map[string]any, error) {
	v, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("chat record is not an object")
	}

	return obj, nil
}

// messageIdentity returns the explicit id of a message, or its canonical
// serialisation.
func messageIdentity(m any) string {
	if obj, ok := m.(map[string]any); ok {
		switch id := obj[fieldMessageID].(type) {
		case string:
			if id != "" {
				return "id:" + id
			}
		case json.Number:
			return "id:" + id.String()
		}
	}

	var buf bytes.Buffer
	writeCanonical(&buf, m)

	return "raw:" + buf.String()
}

func unionMessages(local, remote []any) []any {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]any, 0, len(local)+len(remote))

	for _, m := range local {
		seen[messageIdentity(m)] = true
		out = append(out, m)
	}

	for _, m := range remote {
		id := messageIdentity(m)
		if seen[id] {
			continue
		}

		seen[id] = true
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return compareOrder(out[i], out[j]) < 0
	})

	return out
}

// compareOrder orders by timestamp, then sequence. Unlike the hash order
// it leaves otherwise-equal messages where they were.
func compareOrder(a, b any) int {
	ka, kb := keyOf(a), keyOf(b)
	ka.canonical, kb.canonical = "", ""

	return compareKeys(ka, kb)
}
