package relay

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// Transcript is the normalized transcription event broadcast to a room.
type Transcript struct {
	SessionID  string    `json:"sessionId"`
	Text       string    `json:"text"`
	IsFinal    bool      `json:"isFinal"`
	Confidence *float64  `json:"confidence,omitempty"`
	Words      []Word    `json:"words,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Word is one recognized word. End is never before Start.
type Word struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
}

// finalTypes are the message_type values that mark a final transcript.
var finalTypes = map[string]bool{
	"final":           true,
	"FinalTranscript": true,
}

// Normalize converts one provider frame into a [Transcript]. Frames that are
// not transcript-shaped (no message_type and no text/transcript field) are
// rejected with ok == false. Malformed words are dropped individually.
func Normalize(sessionID string, payload json.RawMessage, now time.Time) (Transcript, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Transcript{}, false
	}

	msgType, hasType := stringField(raw, "message_type")
	text, hasText := stringField(raw, "text")
	if !hasText {
		text, hasText = stringField(raw, "transcript")
	}
	if !hasType && !hasText {
		return Transcript{}, false
	}

	t := Transcript{
		SessionID: sessionID,
		Text:      text,
		IsFinal:   finalTypes[msgType],
		Timestamp: now,
	}
	if c, ok := numberField(raw, "confidence"); ok && c >= 0 && c <= 1 {
		t.Confidence = &c
	}
	t.Words = normalizeWords(raw["words"])
	return t, true
}

func normalizeWords(data json.RawMessage) []Word {
	if len(data) == 0 {
		return nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		// Not an array of objects; try element by element so one bad entry
		// does not discard the rest.
		var loose []json.RawMessage
		if json.Unmarshal(data, &loose) != nil {
			return nil
		}
		items = items[:0]
		for _, el := range loose {
			var item map[string]json.RawMessage
			if json.Unmarshal(el, &item) == nil {
				items = append(items, item)
			}
		}
	}

	words := make([]Word, 0, len(items))
	for _, item := range items {
		start, ok1 := numberField(item, "start")
		end, ok2 := numberField(item, "end")
		text, ok3 := stringField(item, "text")
		if !ok1 || !ok2 || !ok3 || end < start {
			continue
		}
		w := Word{Start: start, End: end, Text: text}
		if c, ok := numberField(item, "confidence"); ok {
			w.Confidence = &c
		}
		if s, ok := stringField(item, "speaker"); ok {
			w.Speaker = s
		} else if n, ok := numberField(item, "speaker"); ok {
			w.Speaker = strconv.FormatFloat(n, 'f', -1, 64)
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return nil
	}
	sort.SliceStable(words, func(i, j int) bool { return words[i].Start < words[j].Start })
	return words
}

// stringField returns raw[key] if it is a JSON string. null and other types
// count as absent.
func stringField(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// numberField returns raw[key] if it is a JSON number.
func numberField(raw map[string]json.RawMessage, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false
	}
	return f, true
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}
