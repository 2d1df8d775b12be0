package lifecycle

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInstalling, StateWaiting, true},
		{StateInstalling, StateActive, true},
		{StateInstalling, StateDiscarded, true},
		{StateWaiting, StateActive, true},
		{StateWaiting, StateDiscarded, true},
		{StateActive, StateDiscarded, true},
		{StateActive, StateWaiting, false},
		{StateActive, StateInstalling, false},
		{StateWaiting, StateInstalling, false},
		{StateDiscarded, StateActive, false},
		{StateDiscarded, StateWaiting, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestVersion_TransitionRejected(t *testing.T) {
	v := newVersion(VersionConfig{Tag: "v1", StaticStore: "static"})
	if err := v.transition(StateDiscarded); err != nil {
		t.Fatalf("discard failed: %v", err)
	}

	err := v.transition(StateActive)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if v.State() != StateDiscarded {
		t.Errorf("state changed after rejected transition: %s", v.State())
	}
}

func TestVersion_InfoJSON(t *testing.T) {
	v := newVersion(VersionConfig{Tag: "v1", StaticStore: "static", DynamicStore: "dynamic"})
	if err := v.transition(StateWaiting); err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(v.Info())
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["state"] != "waiting" {
		t.Errorf("state = %v, want waiting", decoded["state"])
	}
	if _, ok := decoded["installed_at"]; !ok {
		t.Error("installed_at missing for waiting version")
	}
	if _, ok := decoded["activated_at"]; ok {
		t.Error("activated_at present for a version never activated")
	}
}

func TestVersionConfig_StoreNames(t *testing.T) {
	cfg := VersionConfig{StaticStore: "shared", DynamicStore: "shared"}
	if names := cfg.StoreNames(); len(names) != 1 {
		t.Errorf("shared store listed %d times", len(names))
	}
}
