package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPeek(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"offer", `{"type":"offer","sdp":"v=0"}`, TypeOffer, false},
		{"extra fields", `{"type":"ice_candidate","candidate":{"sdpMid":"0"}}`, TypeICECandidate, false},
		{"missing type", `{"sdp":"v=0"}`, "", false},
		{"unknown type", `{"type":"ping"}`, "ping", false},
		{"not json", `offer`, "", true},
		{"truncated", `{"type":"offer"`, "", true},
		{"array", `["offer"]`, "", true},
		{"wrong type field", `{"type":7}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Peek([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Peek(%s) error = %v, want ErrMalformed", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Peek(%s) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Peek(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeAudio(t *testing.T) {
	pcm, err := DecodeAudio([]byte(`{"type":"audio","data":"AAEC/w=="}`))
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if want := []byte{0x00, 0x01, 0x02, 0xff}; string(pcm) != string(want) {
		t.Errorf("DecodeAudio = %v, want %v", pcm, want)
	}

	for _, bad := range []string{
		`{"type":"audio","data":"not base64!"}`,
		`{"type":"audio","data":7}`,
		`audio`,
	} {
		if _, err := DecodeAudio([]byte(bad)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeAudio(%s) error = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestDecodeAudio_EmptyData(t *testing.T) {
	pcm, err := DecodeAudio([]byte(`{"type":"audio"}`))
	if err != nil {
		t.Fatalf("DecodeAudio: %v", err)
	}
	if len(pcm) != 0 {
		t.Errorf("DecodeAudio = %v, want empty", pcm)
	}
}

func TestOutboundMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{"transcript", NewTranscript("hello world", true), `{"type":"transcript","text":"hello world","is_final":true}`},
		{"partial", NewTranscript("hel", false), `{"type":"transcript","text":"hel","is_final":false}`},
		{"status", NewStatus("Transcription started"), `{"type":"status","message":"Transcription started"}`},
		{"presence", NewPresenceUpdate(7, false), `{"type":"presence_update","user_id":7,"is_online":false}`},
		{"heartbeat", NewHeartbeat(), `{"type":"heartbeat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshal_Error(t *testing.T) {
	if _, err := Marshal(func() {}); err == nil {
		t.Error("Marshal(func) returned nil error")
	}
	var unsupported *json.UnsupportedTypeError
	if _, err := Marshal(make(chan int)); !errors.As(err, &unsupported) {
		t.Errorf("Marshal(chan) error = %v, want *json.UnsupportedTypeError", err)
	}
}
