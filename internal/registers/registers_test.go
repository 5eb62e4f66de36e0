package registers

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"minefleet/internal/data"
)

func TestLookupUnsupported(t *testing.T) {
	m := Default()
	cases := []struct {
		kind data.DeviceKind
		q    Quantity
	}{
		{data.KindEnergyMeter, HashRate},
		{data.KindEnergyMeter, Restart},
		{data.KindHeatMeter, FanSpeedSet},
		{data.KindControlBoard, Energy},
		{"cooling-tower", Temperature},
	}
	for _, tc := range cases {
		reg, err := m.Lookup(tc.kind, tc.q)
		if !errors.Is(err, data.ErrUnsupportedOperation) {
			t.Fatalf("%s/%s: expected ErrUnsupportedOperation got %v", tc.kind, tc.q, err)
		}
		if reg != (Register{}) {
			t.Fatalf("%s/%s: expected zero register got %+v", tc.kind, tc.q, reg)
		}
	}
}

func TestEveryPolledQuantityIsMapped(t *testing.T) {
	m := Default()
	for _, kind := range m.Kinds() {
		poll, err := m.PollSet(kind)
		if err != nil {
			t.Fatalf("poll set %s: %v", kind, err)
		}
		if len(poll) == 0 {
			t.Fatalf("%s has an empty poll set", kind)
		}
		for _, q := range poll {
			if _, err := m.Lookup(kind, q); err != nil {
				t.Fatalf("%s/%s: %v", kind, q, err)
			}
		}
	}
}

func TestDecode(t *testing.T) {
	temp := Register{Count: 1, Scale: 0.1, Signed: true}
	v, err := temp.Decode([]byte{0xFF, 0x9C}) // -100
	if err != nil || math.Abs(v+10) > 1e-9 {
		t.Fatalf("expected -10 got %v (%v)", v, err)
	}
	hash := Register{Count: 2, Scale: 0.01}
	v, err = hash.Decode([]byte{0x00, 0x01, 0x86, 0xA0}) // 100000
	if err != nil || math.Abs(v-1000) > 1e-9 {
		t.Fatalf("expected 1000 got %v (%v)", v, err)
	}
	if _, err := hash.Decode([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestEncode(t *testing.T) {
	freq := Register{Count: 1, Scale: 1}
	words, err := freq.Encode(650)
	if err != nil || len(words) != 1 || words[0] != 650 {
		t.Fatalf("unexpected encode %v (%v)", words, err)
	}
	if _, err := freq.Encode(-1); err == nil {
		t.Fatalf("expected out of range")
	}
	wide := Register{Count: 2, Scale: 1, Signed: true}
	words, err = wide.Encode(-2)
	if err != nil || words[0] != 0xFFFF || words[1] != 0xFFFE {
		t.Fatalf("unexpected encode %v (%v)", words, err)
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registers.yaml")
	overlay := `
kinds:
  control-board:
    registers:
      temperature: {address: 0x0020, count: 1, scale: 0.5, signed: true}
  immersion-tank:
    poll: [temperature]
    registers:
      temperature: {address: 0x0001, scale: 0.1}
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	m, err := LoadOverlay(path)
	if err != nil {
		t.Fatalf("load overlay: %v", err)
	}
	reg, err := m.Lookup(data.KindControlBoard, Temperature)
	if err != nil || reg.Address != 0x20 || reg.Scale != 0.5 {
		t.Fatalf("overlay not applied: %+v (%v)", reg, err)
	}
	if _, err := m.Lookup(data.KindControlBoard, HashRate); err != nil {
		t.Fatalf("built-in entry lost: %v", err)
	}
	reg, err = m.Lookup("immersion-tank", Temperature)
	if err != nil || reg.Count != 1 {
		t.Fatalf("new kind not added: %+v (%v)", reg, err)
	}
	if base, _ := Default().Lookup(data.KindControlBoard, Temperature); base.Address != 0x0002 {
		t.Fatalf("overlay mutated the built-in table")
	}
}

func TestMergeRejectsUnmappedPoll(t *testing.T) {
	_, err := Default().Merge(map[data.DeviceKind]Profile{
		data.KindEnergyMeter: {Poll: []Quantity{HashRate}},
	})
	if err == nil {
		t.Fatalf("expected error for unmapped polled quantity")
	}
}
