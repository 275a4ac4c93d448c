package protocol

import (
	"reflect"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		name string
		args string
	}{
		{"/users", "users", ""},
		{"/whisper bob hello there", "whisper", "bob hello there"},
		{"/W bob hi", "w", "bob hi"},
		{"/quit", "quit", ""},
		{"/help  ", "help", ""},
		{"/file bob 5 abc data.txt;aGVsbG8=", "file", "bob 5 abc data.txt;aGVsbG8="},
	}

	for _, tc := range cases {
		name, args := ParseCommand(tc.line)
		if name != tc.name || args != tc.args {
			t.Errorf("ParseCommand(%q) = (%q, %q), want (%q, %q)",
				tc.line, name, args, tc.name, tc.args)
		}
	}
}

func TestIsCommand(t *testing.T) {
	if !IsCommand("/users") {
		t.Error("expected /users to be a command")
	}
	if IsCommand("hello /users") {
		t.Error("expected plain text not to be a command")
	}
	if IsCommand("") {
		t.Error("expected empty line not to be a command")
	}
}

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		args string
		n    int
		want []string
	}{
		{"bob hello there", 2, []string{"bob", "hello there"}},
		{"bob", 2, []string{"bob"}},
		{"", 1, nil},
		{"bob 5 hash file.txt;data", 4, []string{"bob", "5", "hash", "file.txt;data"}},
	}

	for _, tc := range cases {
		got := SplitArgs(tc.args, tc.n)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitArgs(%q, %d) = %v, want %v", tc.args, tc.n, got, tc.want)
		}
	}
}

func TestParseAuthRequest(t *testing.T) {
	req, err := ParseAuthRequest([]byte(`{"type":"login","username":"alice","password":"pw"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Type != AuthLogin || req.Username != "alice" || req.Password != "pw" {
		t.Errorf("unexpected request: %+v", req)
	}

	if _, err := ParseAuthRequest([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
	if _, err := ParseAuthRequest([]byte(`{"type":"dance"}`)); err == nil {
		t.Error("expected error for unknown auth type")
	}
}

func TestFrameEncodeDecode(t *testing.T) {
	frame := &Frame{
		Type:      TypeWhisper,
		Username:  "alice",
		Content:   "hello",
		Encrypted: true,
		Timestamp: Timestamp(time.Now()),
	}

	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != TypeWhisper || decoded.Username != "alice" || !decoded.Encrypted {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestDecodeFrameRequiresType(t *testing.T) {
	if _, err := DecodeFrame([]byte(`{"content":"no type"}`)); err == nil {
		t.Error("expected error for frame without type")
	}
}

func TestTimestampIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	ts := Timestamp(time.Date(2024, 3, 1, 17, 0, 0, 0, loc))
	if ts != "2024-03-01T12:00:00Z" {
		t.Errorf("unexpected timestamp %q", ts)
	}
}
