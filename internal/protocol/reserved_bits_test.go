package protocol

import "testing"

func TestReservedBitsRoundTripThroughMarshal(t *testing.T) {
	h := NewHandshake([20]byte{1}, [20]byte{2})
	h.SetFastExtension()
	h.SetExtensionProtocol()

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	var dec Handshake
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}

	if !dec.SupportsFastExtension() {
		t.Fatalf("expected fast extension bit to survive round trip")
	}
	if !dec.SupportsExtensionProtocol() {
		t.Fatalf("expected extension protocol bit to survive round trip")
	}
}

func TestReservedBitsDefaultOff(t *testing.T) {
	h := NewHandshake([20]byte{1}, [20]byte{2})
	if h.SupportsFastExtension() || h.SupportsExtensionProtocol() {
		t.Fatalf("fresh handshake should not advertise any extension")
	}
}
