package protocol

import (
	"strings"
	"testing"
)

func TestCommandEncoding(t *testing.T) {
	cmd := `bash -c 'echo "hello world"'`
	enc := EncodeCommand(cmd)
	if enc == cmd {
		t.Error("command not encoded")
	}
	dec, err := DecodeCommand(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != cmd {
		t.Errorf("round trip: got %q", dec)
	}

	if _, err := DecodeCommand("not base64!!!"); err == nil {
		t.Error("expected decode error")
	}
}

func TestLogMessageRoundTrip(t *testing.T) {
	m := NewExecutionLog("default:42", "PROGRESS=50")
	if m.ExecutionID != "default:42" || m.WorkerName != "" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.Timestamp == "" || !strings.Contains(m.Timestamp, ".") {
		t.Errorf("timestamp missing microseconds: %q", m.Timestamp)
	}

	enc, err := EncodeLogMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeLogMessage(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Errorf("round trip: got %+v, want %+v", got, m)
	}
}

func TestWorkerLog(t *testing.T) {
	m := NewWorkerLog("node-1", "agent starting")
	if m.WorkerName != "node-1" || m.ExecutionID != "" {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestExecutionID(t *testing.T) {
	id := ExecutionID("default", 7)
	if id != "default:7" {
		t.Errorf("execution id = %q", id)
	}

	queue, jobID, err := SplitExecutionID(id)
	if err != nil {
		t.Fatal(err)
	}
	if queue != "default" || jobID != 7 {
		t.Errorf("split = %q, %d", queue, jobID)
	}

	// Queue names with colons still parse.
	queue, jobID, err = SplitExecutionID("a:b:12")
	if err != nil {
		t.Fatal(err)
	}
	if queue != "a:b" || jobID != 12 {
		t.Errorf("split = %q, %d", queue, jobID)
	}

	if _, _, err := SplitExecutionID("nocolon"); err == nil {
		t.Error("expected error for missing colon")
	}
	if _, _, err := SplitExecutionID("q:notanumber"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestTaggedValueErrorText(t *testing.T) {
	tests := []struct {
		name string
		v    TaggedValue
		want string
	}{
		{"plain", TaggedValue{Plain: "nope"}, "nope"},
		{"structured with message", TaggedValue{Structured: []byte(`{"message":"boom","code":3}`)}, "boom"},
		{"structured without message", TaggedValue{Structured: []byte(`{"code":3}`)}, `{"code":3}`},
	}
	for _, tt := range tests {
		if got := tt.v.ErrorText(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
