package api

import (
	"bytes"
	"reflect"
	"testing"
)

var negSeven int64 = -7

func TestParseValueRoundTrip(t *testing.T) {
	cases := []struct {
		typ  Type
		in   string
		want string
	}{
		{TypeString, "hello world", "hello world"},
		{TypeString, "", ""},
		{TypeUint8, "255", "255"},
		{TypeUint16, "65535", "65535"},
		{TypeUint32, "7", "7"},
		{TypeUint32, "0x10", "16"},
		{TypeUint64, "18446744073709551615", "18446744073709551615"},
		{TypeSint8, "-128", "-128"},
		{TypeSint16, "-32768", "-32768"},
		{TypeSint32, "-42", "-42"},
		{TypeSint64, "-9223372036854775808", "-9223372036854775808"},
		{TypeIntArray, "1,2,3", "1,2,3"},
		{TypeIntArray, "-1,0,1", "-1,0,1"},
		{TypeFloat, "1.500000", "1.500000"},
		{TypeDouble, "-2.250000", "-2.250000"},
	}
	for _, tc := range cases {
		v, err := ParseValue(tc.in, tc.typ)
		if err != nil {
			t.Fatalf("parse %q as %s: %v", tc.in, tc.typ, err)
		}
		if got := v.String(); got != tc.want {
			t.Fatalf("round trip %q as %s: got %q want %q", tc.in, tc.typ, got, tc.want)
		}
	}
}

func TestParseValueRejects(t *testing.T) {
	cases := []struct {
		typ Type
		in  string
	}{
		{TypeUint8, "256"},
		{TypeUint8, "-1"},
		{TypeSint8, "128"},
		{TypeUint32, "nope"},
		{TypeIntArray, "1,x,3"},
		{TypeInvalid, "1"},
	}
	for _, tc := range cases {
		if _, err := ParseValue(tc.in, tc.typ); err == nil {
			t.Fatalf("expected error parsing %q as %s", tc.in, tc.typ)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	vals := []Value{
		{Type: TypeString, Str: "abc"},
		{Type: TypeString, Str: ""},
		{Type: TypeIntArray, Arr: []int32{1, -2, 3}},
		{Type: TypeIntArray},
		{Type: TypeUint8, Num: 0xfe},
		{Type: TypeUint32, Num: 42},
		{Type: TypeSint64, Num: uint64(negSeven)},
		mustParse(t, "1.5", TypeFloat),
		mustParse(t, "-2.25", TypeDouble),
	}
	for _, v := range vals {
		b := v.Encode()
		if got := v.ByteLength(); v.Type == TypeIntArray {
			if uint64(len(b)) != got+8 {
				t.Fatalf("array wire length %d, byte length %d", len(b), got)
			}
		} else if uint64(len(b)) != got {
			t.Fatalf("%s wire length %d, byte length %d", v.Type, len(b), got)
		}
		back, err := DecodeValue(b, v.Type)
		if err != nil {
			t.Fatalf("decode %s: %v", v.Type, err)
		}
		if back.Type == TypeIntArray && len(back.Arr) == 0 {
			back.Arr = nil
		}
		if !reflect.DeepEqual(v, back) {
			t.Fatalf("decode mismatch: %#v vs %#v", v, back)
		}
	}
}

func TestEncodeScalarLittleEndian(t *testing.T) {
	v := Value{Type: TypeUint32, Num: 42}
	if got := v.Encode(); !bytes.Equal(got, []byte{42, 0, 0, 0}) {
		t.Fatalf("unexpected u32 encoding %v", got)
	}
}

func TestEncodeEmptyArray(t *testing.T) {
	v := Value{Type: TypeIntArray}
	got := v.Encode()
	if !bytes.Equal(got, []byte{0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("unexpected empty array encoding %v", got)
	}
}

func TestFromFloat64(t *testing.T) {
	v, err := FromFloat64(42.9, TypeUint32)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	if v.Uint() != 42 {
		t.Fatalf("expected truncation to 42, got %d", v.Uint())
	}
	if _, err := FromFloat64(1, TypeString); err == nil {
		t.Fatal("expected error narrowing into string")
	}
	if _, err := FromFloat64(1, TypeIntArray); err == nil {
		t.Fatal("expected error narrowing into int array")
	}
}

func TestFullName(t *testing.T) {
	if got := FullName(123, "/sys/test/x"); got != "[123]/SYS/TEST/X" {
		t.Fatalf("unexpected full name %q", got)
	}
}

func TestTypeFromString(t *testing.T) {
	for t0, name := range typeNames {
		if got := TypeFromString(name); got != t0 {
			t.Fatalf("type %q resolved to %d", name, got)
		}
	}
	if TypeFromString("blob") != TypeInvalid {
		t.Fatal("expected invalid for unknown type name")
	}
}

func TestFlagsFromString(t *testing.T) {
	if f := FlagsFromString("save,track"); !f.Has(FlagSave | FlagTrack) {
		t.Fatalf("unexpected flags %b", f)
	}
	if f := FlagsFromString("track"); f.Has(FlagSave) || !f.Has(FlagTrack) {
		t.Fatalf("unexpected flags %b", f)
	}
	if f := FlagsFromString(""); f != 0 {
		t.Fatalf("unexpected flags %b", f)
	}
}

func TestResultErrMapping(t *testing.T) {
	for _, r := range []Result{ResultInvalid, ResultNotFound, ResultExists, ResultIO, ResultTransport, ResultInternal} {
		err := r.Err()
		if err == nil {
			t.Fatalf("result %d produced nil error", r)
		}
		if back := ResultFromErr(err); back != r {
			t.Fatalf("result %d mapped back to %d", r, back)
		}
	}
	if ResultOK.Err() != nil {
		t.Fatal("expected nil error for ok result")
	}
	if ResultFromErr(nil) != ResultOK {
		t.Fatal("expected ok result for nil error")
	}
}

func mustParse(t *testing.T, s string, typ Type) Value {
	t.Helper()
	v, err := ParseValue(s, typ)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}
