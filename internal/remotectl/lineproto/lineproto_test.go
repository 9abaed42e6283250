package lineproto

import "testing"

func TestDecode_Filter(t *testing.T) {
	req := Decode("filter;R5CT1234\n")
	if req.Verb != VerbFilter || req.Serial != "R5CT1234" {
		t.Fatalf("got %+v", req)
	}
}

func TestDecode_UnfilterWildcard(t *testing.T) {
	req := Decode("unfilter;*")
	if req.Verb != VerbUnfilter || req.Serial != "*" {
		t.Fatalf("got %+v", req)
	}
}

// TestDecode_AddCommand covers the seeded-command wire line.
func TestDecode_AddCommand(t *testing.T) {
	req := Decode("add_command;500;foo;bar")
	if req.Verb != VerbAddCommand {
		t.Fatalf("got verb %v", req.Verb)
	}
	if req.Millis != 500 {
		t.Fatalf("got millis %d", req.Millis)
	}
	if len(req.Args) != 2 || req.Args[0] != "foo" || req.Args[1] != "bar" {
		t.Fatalf("got args %v", req.Args)
	}
}

func TestDecode_AddCommandNoArgs(t *testing.T) {
	req := Decode("add_command;10")
	if req.Verb != VerbAddCommand || req.Millis != 10 || len(req.Args) != 0 {
		t.Fatalf("got %+v", req)
	}
}

func TestDecode_Close(t *testing.T) {
	req := Decode("close")
	if req.Verb != VerbClose {
		t.Fatalf("got %+v", req)
	}
}

func TestDecode_UnknownVerb(t *testing.T) {
	for _, line := range []string{"", "reboot;now", "filter", "filter;a;b", "add_command;notanumber;x"} {
		req := Decode(line)
		if req.Verb != VerbUnknown {
			t.Fatalf("line %q: expected VerbUnknown, got %v", line, req.Verb)
		}
	}
}

func TestEncodeBool(t *testing.T) {
	if EncodeBool(true) != "true\n" {
		t.Fatalf("got %q", EncodeBool(true))
	}
	if EncodeBool(false) != "false\n" {
		t.Fatalf("got %q", EncodeBool(false))
	}
}
