package bencode

import (
	"reflect"
	"testing"
)

func TestUnmarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int-positive", "i42e", int64(42)},
		{"int-negative", "i-42e", int64(-42)},
		{"int-zero", "i0e", int64(0)},
		{"empty-list", "le", []any(nil)},
		{"empty-dict", "de", map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Unmarshal(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnmarshal_List(t *testing.T) {
	got, err := Unmarshal([]byte("l4:spam4:eggse"))
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	want := []any{"spam", "eggs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestUnmarshal_Dict(t *testing.T) {
	got, err := Unmarshal([]byte("d3:cow3:moo4:spam4:eggse"))
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	want := map[string]any{"cow": "moo", "spam": "eggs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestUnmarshal_Nested(t *testing.T) {
	got, err := Unmarshal([]byte("d4:infod4:name3:foo5:filesleee"))
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	want := map[string]any{
		"info": map[string]any{
			"name":  "foo",
			"files": []any(nil),
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestUnmarshal_TrailingDataErrors(t *testing.T) {
	_, err := Unmarshal([]byte("i1eXXX"))
	if err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"leading-zero", "i01e"},
		{"negative-zero", "i-0e"},
		{"lone-minus", "i-e"},
		{"negative-string-len", "-1:x"},
		{"truncated-string", "5:ab"},
		{"unterminated-list", "l4:spam"},
		{"unterminated-dict", "d3:cow3:moo"},
		{"empty-integer", "ie"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.in)); err == nil {
				t.Fatalf("Unmarshal(%q): expected error, got nil", tt.in)
			}
		})
	}
}

func TestUnmarshal_RoundTripWithMarshal(t *testing.T) {
	in := map[string]any{
		"name":         "file.txt",
		"piece length": int64(16384),
		"files":        []any{"a", "b", int64(3)},
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("got %#v, want %#v", got, in)
	}
}
