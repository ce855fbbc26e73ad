package rtm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/vibecanvas/pkg/types"
)

// Transcription object types published by the voice platform.
const (
	objectAgentTranscription = "assistant.transcription"
	objectUserTranscription  = "user.transcription"
)

// frame is a single inbound WebSocket message. The gateway either wraps the
// publisher's payload in a channel envelope or forwards the bare payload, so
// both shapes are decoded into the same struct.
type frame struct {
	ChannelName string          `json:"channelName"`
	Message     json.RawMessage `json:"message"`
	payload
}

// customMessage is the object form of an envelope message.
type customMessage struct {
	CustomType string `json:"customType"`
	StringData string `json:"stringData"`
}

// payload is a transcription message as published by the agent.
type payload struct {
	Object        string          `json:"object"`
	Text          string          `json:"text"`
	Words         json.RawMessage `json:"words"`
	Transcription string          `json:"transcription"`
	TurnStatus    int             `json:"turn_status"`
	Final         bool            `json:"final"`
}

// word is one entry of a word-level transcription array.
type word struct {
	Word string `json:"word"`
}

// decodeFrame turns one raw frame into a transcription event. It reports
// ok=false for frames that are valid but not transcriptions for channelID.
func decodeFrame(data []byte, channelID string) (ev types.TranscriptionEvent, ok bool, err error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return ev, false, fmt.Errorf("rtm: decode frame: %w", err)
	}
	if f.ChannelName != "" && f.ChannelName != channelID {
		return ev, false, nil
	}

	p := f.payload
	if msg := bytes.TrimSpace(f.Message); len(msg) > 0 && !bytes.Equal(msg, []byte("null")) {
		p, err = decodeMessage(msg)
		if err != nil {
			return ev, false, err
		}
	}

	words := p.wordsText()
	isTranscription := p.Object == objectAgentTranscription ||
		p.Object == objectUserTranscription ||
		p.Text != "" || words != ""
	if !isTranscription {
		return ev, false, nil
	}

	text := firstNonEmpty(p.Text, words, p.Transcription)
	if text == "" {
		return ev, false, nil
	}

	role := types.RoleUser
	if p.Object == objectAgentTranscription {
		role = types.RoleAgent
	}

	return types.TranscriptionEvent{
		Role:    role,
		Text:    text,
		IsFinal: p.TurnStatus == 1 || p.Final,
	}, true, nil
}

// decodeMessage resolves the message field of an envelope. A JSON string is
// itself JSON-encoded; an object is either a custom text message carrying
// JSON in stringData or the payload directly.
func decodeMessage(msg json.RawMessage) (payload, error) {
	var p payload
	if msg[0] == '"' {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return p, fmt.Errorf("rtm: decode message string: %w", err)
		}
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return p, fmt.Errorf("rtm: decode message payload: %w", err)
		}
		return p, nil
	}

	var cm customMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		return p, fmt.Errorf("rtm: decode message object: %w", err)
	}
	if cm.CustomType == "text" {
		data := cm.StringData
		if data == "" {
			data = "{}"
		}
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return p, fmt.Errorf("rtm: decode string data: %w", err)
		}
		return p, nil
	}
	if err := json.Unmarshal(msg, &p); err != nil {
		return p, fmt.Errorf("rtm: decode message payload: %w", err)
	}
	return p, nil
}

// wordsText returns the words field as text. Publishers send either a plain
// string or an array of word objects.
func (p payload) wordsText() string {
	raw := bytes.TrimSpace(p.Words)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	case '[':
		var ws []word
		if json.Unmarshal(raw, &ws) == nil {
			parts := make([]string, 0, len(ws))
			for _, w := range ws {
				if w.Word != "" {
					parts = append(parts, w.Word)
				}
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
