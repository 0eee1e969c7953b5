package qr

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/danmuck/hermod/internal/testutil/testlog"
)

func TestDataURIRendersPNG(t *testing.T) {
	testlog.Start(t)
	uri, err := DataURI("2@AhX9zQ7L,k3jYpB6w,TmWq8Fv2==")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("unexpected uri prefix: %.40s", uri)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(raw) < 8 || string(raw[1:4]) != "PNG" {
		t.Fatalf("payload is not a png")
	}
}

func TestEmptyCodeRejected(t *testing.T) {
	testlog.Start(t)
	if _, err := DataURI(""); err == nil {
		t.Fatalf("expected error for empty code")
	}
}

func TestRendererImplementsRender(t *testing.T) {
	testlog.Start(t)
	uri, err := Renderer{}.Render("2@pairing-code")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if uri == "" {
		t.Fatalf("empty render output")
	}
}
