package pathutil

import (
	"reflect"
	"testing"
)

func TestSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		prefix string
		want   []string
		ok     bool
	}{
		{path: "/api/conversations", prefix: "/api/conversations", want: nil, ok: true},
		{path: "/api/conversations/c1", prefix: "/api/conversations/", want: []string{"c1"}, ok: true},
		{path: "/api/conversations/c1/archive", prefix: "api/conversations", want: []string{"c1", "archive"}, ok: true},
		{path: "/api/conversations//archive", prefix: "/api/conversations", ok: false},
		{path: "/api/conversationsx", prefix: "/api/conversations", ok: false},
	}

	for _, tt := range tests {
		got, ok := Segments(tt.path, tt.prefix)
		if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Segments(%q, %q)=(%v, %v), want (%v, %v)", tt.path, tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}

func TestJoin(t *testing.T) {
	t.Parallel()

	tests := map[[2]string]string{
		{"http://backend/", "/chat"}: "http://backend/chat",
		{"/api", ""}:                 "/api",
		{"", ""}:                     "/",
		{"/base", "a/b"}:             "/base/a/b",
	}
	for in, want := range tests {
		if got := Join(in[0], in[1]); got != want {
			t.Fatalf("Join(%q, %q)=%q, want %q", in[0], in[1], got, want)
		}
	}
}
