package streamer

import (
	"errors"
	"math"
	"testing"

	"github.com/pimd/pimd/internal/protocol"
	"github.com/pimd/pimd/internal/types"
)

func TestValidatePartName(t *testing.T) {
	valid := []string{"PLD:DATA", "ATR:ENTITYDISPLAY", "PLD:RFC822"}
	for _, name := range valid {
		if err := ValidatePartName(name); err != nil {
			t.Errorf("ValidatePartName(%q) = %v", name, err)
		}
	}
	invalid := []string{"DATA", "XXX:DATA", "PLD:", ":DATA", ""}
	for _, name := range invalid {
		if err := ValidatePartName(name); err == nil {
			t.Errorf("ValidatePartName(%q) should fail", name)
		}
	}
}

func TestParseSpec(t *testing.T) {
	list := protocol.List{
		protocol.Atom("NAME"), protocol.Atom("PLD:DATA"),
		protocol.Atom("SIZE"), protocol.Atom("10"),
		protocol.Atom("VERSION"), protocol.Atom("2"),
	}
	spec, err := ParseSpec(list)
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if spec.Name != "PLD:DATA" || spec.Size != 10 || spec.Version != 2 || spec.External {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestReceiveExactBytes(t *testing.T) {
	s := New(math.MaxInt64)
	spec := Spec{Name: "PLD:DATA", Size: 10}
	part, err := s.Receive(13, spec, protocol.Literal("0123456789"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(part.Data) != "0123456789" || part.DataSize != 10 {
		t.Fatalf("part = %+v", part)
	}
	if part.Storage != types.StorageInternal {
		t.Fatalf("threshold disabled, expected internal storage")
	}
}

func TestReceiveSizeMismatch(t *testing.T) {
	s := New(math.MaxInt64)
	spec := Spec{Name: "PLD:DATA", Size: 5}
	_, err := s.Receive(13, spec, protocol.Literal("123"))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}

func TestReceiveThresholdMigratesPayload(t *testing.T) {
	s := New(4)
	part, err := s.Receive(13, Spec{Name: "PLD:DATA", Size: 10}, protocol.Literal("0123456789"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if part.Storage != types.StorageExternal {
		t.Fatalf("oversize payload part should migrate to external storage")
	}
	if part.ExternalRef == "" {
		t.Fatalf("external part needs a ref")
	}
	// Attribute parts never migrate.
	part, err = s.Receive(13, Spec{Name: "ATR:BIG", Size: 10}, protocol.Literal("0123456789"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if part.Storage != types.StorageInternal {
		t.Fatalf("attribute parts stay internal")
	}
}

func TestReceiveExternalPathToken(t *testing.T) {
	s := New(math.MaxInt64)
	spec := Spec{Name: "PLD:DATA", Size: 1024, External: true}
	part, err := s.Receive(13, spec, protocol.Str("13_r0_PLD_DATA"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if part.Storage != types.StorageExternal || part.ExternalRef != "13_r0_PLD_DATA" {
		t.Fatalf("part = %+v", part)
	}
	// A path token for a non-external part is rejected.
	if _, err := s.Receive(13, Spec{Name: "PLD:DATA", Size: 4}, protocol.Str("nope")); err == nil {
		t.Fatalf("path token without EXTERNAL should fail")
	}
}
