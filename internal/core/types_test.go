package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseMessage(t *testing.T) {
	got, err := ParseMessage([]byte(`{"event":"e1","domain":"flag","identifier":"flagA","version":3}`))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	want := Message{Event: "e1", Domain: "flag", Identifier: "flagA", Version: 3}
	if got != want {
		t.Fatalf("ParseMessage() = %+v, want %+v", got, want)
	}
}

func TestParseMessageOptionalFields(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Message
	}{
		{"event and identifier", `{"event":"e1","identifier":"flagA"}`, Message{Event: "e1", Identifier: "flagA"}},
		{"identifier only", `{"identifier":"flagA"}`, Message{Identifier: "flagA"}},
		{"empty object", `{}`, Message{}},
		{"unknown fields", `{"event":"e1","identifier":"a","extra":true}`, Message{Event: "e1", Identifier: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseMessage(%s) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("ParseMessage(%s) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `not-json`},
		{"null", `null`},
		{"array", `[]`},
		{"string", `"e1"`},
		{"wrong type", `{"event":1,"identifier":"a"}`},
		{"version not a number", `{"event":"e","version":"3"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.input))
			if !errors.Is(err, ErrParsing) {
				t.Fatalf("ParseMessage(%s) error = %v, want ErrParsing", tt.input, err)
			}
		})
	}
}

func TestHeartbeatMessage(t *testing.T) {
	got := HeartbeatMessage()
	if got.Event != "message" || got.Domain != "" || got.Identifier != "" || got.Version != 0 {
		t.Fatalf("HeartbeatMessage() = %+v", got)
	}
}

func TestCacheKeys(t *testing.T) {
	id := SyncIdentity{EnvironmentID: "env", TargetID: "tgt"}
	if got := FlagKey(id, "flagA"); got != "env_tgt_flagA" {
		t.Fatalf("FlagKey() = %q, want %q", got, "env_tgt_flagA")
	}
	if got := CollectionKey(id); got != "env_tgt_features" {
		t.Fatalf("CollectionKey() = %q, want %q", got, "env_tgt_features")
	}
}

func TestSyncIdentityValid(t *testing.T) {
	tests := []struct {
		id   SyncIdentity
		want bool
	}{
		{SyncIdentity{EnvironmentID: "e", TargetID: "t"}, true},
		{SyncIdentity{EnvironmentID: "e"}, false},
		{SyncIdentity{TargetID: "t"}, false},
		{SyncIdentity{}, false},
	}
	for _, tt := range tests {
		if got := tt.id.Valid(); got != tt.want {
			t.Errorf("%+v.Valid() = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestEvaluationJSON(t *testing.T) {
	var evals []Evaluation
	raw := `[{"flag":"someStringFlag","value":"string"},{"flag":"someUnsupportedFlag","value":1.25}]`
	if err := json.Unmarshal([]byte(raw), &evals); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("len(evals) = %d, want 2", len(evals))
	}
	if !evals[0].Equal(Evaluation{Flag: "someStringFlag", Value: StringValue("string")}) {
		t.Fatalf("evals[0] = %+v", evals[0])
	}
	if evals[1].Value.Kind() != KindUnsupported {
		t.Fatalf("evals[1].Value.Kind() = %s, want unsupported", evals[1].Value.Kind())
	}
}
