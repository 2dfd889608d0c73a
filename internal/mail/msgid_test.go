package mail

import (
	"reflect"
	"testing"
)

func TestNormalizeMessageID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<ABC@x>", "abc@x"},
		{"abc@x", "abc@x"},
		{"  <Msg.1@Host.Example>  ", "msg.1@host.example"},
		{"<>", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeMessageID(tt.in); got != tt.want {
			t.Errorf("NormalizeMessageID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "whitespace separated with brackets",
			in:   "<a@x> <b@y>",
			want: []string{"a@x", "b@y"},
		},
		{
			name: "packed bracket groups",
			in:   "<a@x><b@y>",
			want: []string{"a@x", "b@y"},
		},
		{
			name: "bare ids",
			in:   "a@x b@y",
			want: []string{"a@x", "b@y"},
		},
		{
			name: "mixed casing deduplicated",
			in:   "<A@X> <a@x>",
			want: []string{"a@x"},
		},
		{
			name: "empty",
			in:   "  ",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseReferences(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseReferences(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	subject := EmbedRequestID("req-V1StGXR8_Z", "date?")
	if subject != "[Req: req-V1StGXR8_Z] date?" {
		t.Fatalf("EmbedRequestID = %q", subject)
	}

	// A reply keeps the marker inside the subject.
	reply := "Re: " + subject
	if got := ExtractRequestID(reply); got != "req-V1StGXR8_Z" {
		t.Errorf("ExtractRequestID(%q) = %q", reply, got)
	}
	if got := StripRequestID(reply); got != "Re:  date?" && got != "Re: date?" {
		// Double space collapse is not required, only marker removal.
		t.Errorf("StripRequestID(%q) = %q", reply, got)
	}
}

func TestExtractRequestIDNone(t *testing.T) {
	for _, s := range []string{"", "plain subject", "[Req: nope] x", "[req: req-abc] x"} {
		if got := ExtractRequestID(s); got != "" {
			t.Errorf("ExtractRequestID(%q) = %q, want empty", s, got)
		}
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hi", "Re: Hi"},
		{"Re: Hi", "Re: Hi"},
		{"RE: Hi", "RE: Hi"},
		{"  Hello  ", "Re: Hello"},
	}
	for _, tt := range tests {
		if got := ReplySubject(tt.in); got != tt.want {
			t.Errorf("ReplySubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddressHelpers(t *testing.T) {
	if got := CleanAddress(`"Alice Example" <Alice@Team.Example>`); got != "alice@team.example" {
		t.Errorf("CleanAddress = %q", got)
	}
	if got := LocalPart("Bob@Team.example"); got != "bob" {
		t.Errorf("LocalPart = %q", got)
	}
	if got := Domain("bob@Team.Example"); got != "team.example" {
		t.Errorf("Domain = %q", got)
	}
	if got := DisplayName(`"Alice Example" <alice@team.example>`); got != "Alice Example" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := DisplayName("alice@team.example"); got != "" {
		t.Errorf("DisplayName bare = %q", got)
	}
	if !SameAddress("A@B.C", "<a@b.c>") {
		t.Error("SameAddress should match case-insensitively")
	}
}

func TestMergeReferences(t *testing.T) {
	got := MergeReferences([]string{"<A@x>", "b@y"}, []string{"a@x", "c@z"})
	want := []string{"a@x", "b@y", "c@z"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeReferences = %v, want %v", got, want)
	}
}
