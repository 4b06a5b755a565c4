package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/roomscribe/internal/relay"
)

// Client intents.
const (
	TypeJoinSession        = "join-session"
	TypeLeaveSession       = "leave-session"
	TypeStartTranscription = "start-transcription"
	TypeStopTranscription  = "stop-transcription"
	TypeAudioChunk         = "audio-chunk"
)

// Direct (non-broadcast) server events.
const (
	EventWelcome = "welcome"
	EventJoined  = "joined"
	EventLeft    = "left"
)

// CodeBadRequest marks a client message the gateway could not act on.
const CodeBadRequest = "BAD_REQUEST"

// maxSessionIDLen bounds client-chosen session ids.
const maxSessionIDLen = 128

// ClientMessage is one client-to-server message, discriminated by Type.
type ClientMessage struct {
	Type        string             `json:"type"`
	SessionID   string             `json:"sessionId"`
	AudioConfig *relay.AudioConfig `json:"audioConfig,omitempty"`
	APIKey      string             `json:"apiKey,omitempty"`
	Chunk       string             `json:"chunk,omitempty"`
}

// WelcomePayload is sent to a client right after the upgrade.
type WelcomePayload struct {
	ParticipantID string `json:"participantId"`
}

// MembershipPayload acknowledges join-session and leave-session.
type MembershipPayload struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

var errBadRequest = errors.New("bad request")

// DecodeClientMessage parses and validates one inbound text frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	m.SessionID = strings.TrimSpace(m.SessionID)

	switch m.Type {
	case TypeJoinSession, TypeLeaveSession, TypeStartTranscription, TypeStopTranscription, TypeAudioChunk:
	case "":
		return m, fmt.Errorf("%w: missing type", errBadRequest)
	default:
		return m, fmt.Errorf("%w: unknown type %q", errBadRequest, m.Type)
	}
	if m.SessionID == "" {
		return m, fmt.Errorf("%w: %s requires sessionId", errBadRequest, m.Type)
	}
	if len(m.SessionID) > maxSessionIDLen {
		return m, fmt.Errorf("%w: sessionId longer than %d bytes", errBadRequest, maxSessionIDLen)
	}
	if m.Type == TypeAudioChunk {
		if m.Chunk == "" {
			return m, fmt.Errorf("%w: audio-chunk requires chunk", errBadRequest)
		}
		if _, err := base64.StdEncoding.DecodeString(m.Chunk); err != nil {
			return m, fmt.Errorf("%w: chunk is not base64", errBadRequest)
		}
	}
	if m.AudioConfig != nil && m.AudioConfig.SampleRate < 0 {
		return m, fmt.Errorf("%w: negative sampleRate", errBadRequest)
	}
	return m, nil
}

// badRequest is the payload of a direct error frame.
func badRequest(sessionID string, err error) relay.ErrorPayload {
	return relay.ErrorPayload{
		SessionID: sessionID,
		Code:      CodeBadRequest,
		Message:   err.Error(),
	}
}
