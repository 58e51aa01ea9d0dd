package erbium

import (
	"testing"

	"github.com/junbin-yang/erbium-go/pkg/coap"
)

func discoveryFixture() *Dispatcher {
	d := NewDispatcher(nil, nil)
	_ = d.RegisterWellKnownCore()
	_ = d.Register(NewResource("hello", MethodGET, `title="Hello world";rt="Text"`, echoPath))
	_ = d.Register(NewResource("sensors/temp", MethodGET, `rt="temperature-c ucum.Cel";obs`, echoPath))
	_ = d.Register(NewResource("sensors/light", MethodGET, `rt="light-lux"`, echoPath))
	return d
}

func TestLinkFormat(t *testing.T) {
	d := discoveryFixture()
	want := `</.well-known/core>,</hello>;title="Hello world";rt="Text",</sensors/temp>;rt="temperature-c ucum.Cel";obs,</sensors/light>;rt="light-lux"`
	if got := d.LinkFormat(""); got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}

	cases := map[string]string{
		"href=/hello":      `</hello>;title="Hello world";rt="Text"`,
		"href=sensors*":    `</sensors/temp>;rt="temperature-c ucum.Cel";obs,</sensors/light>;rt="light-lux"`,
		"rt=ucum.Cel":      `</sensors/temp>;rt="temperature-c ucum.Cel";obs`,
		"rt=light*":        `</sensors/light>;rt="light-lux"`,
		"title=Hello*":     `</hello>;title="Hello world";rt="Text"`,
		"obs=*":            `</sensors/temp>;rt="temperature-c ucum.Cel";obs`,
		"rt=nothing":       ``,
		"garbage":          want,
		"rt=Text&title=xx": `</hello>;title="Hello world";rt="Text"`,
	}
	for filter, exp := range cases {
		if got := d.LinkFormat(filter); got != exp {
			t.Errorf("filter %q:\n got  %s\n want %s", filter, got, exp)
		}
	}
}

func TestWellKnownCoreBlockwise(t *testing.T) {
	d := discoveryFixture()
	links := d.LinkFormat("")

	var assembled []byte
	var offset int32
	for i := 0; i < 20; i++ {
		req, resp := request(coap.GET, WellKnownCoreURL)
		before := offset
		if !d.Dispatch(req, resp, make([]byte, 256), 32, &offset) {
			t.Fatalf("discovery not handled: %s", resp.Code)
		}
		if offset == before {
			t.Fatalf("handler must advance the offset")
		}
		if ct, _ := resp.ContentType(); ct != coap.AppLinkFormat {
			t.Errorf("content type = %v", ct)
		}
		if len(resp.Payload) > 32 {
			t.Fatalf("block larger than preferred size: %d", len(resp.Payload))
		}
		assembled = append(assembled, resp.Payload...)
		if offset == -1 {
			break
		}
	}
	if string(assembled) != links {
		t.Fatalf("assembled %q", assembled)
	}

	req, resp := request(coap.GET, WellKnownCoreURL)
	offset = int32(len(links) + 10)
	d.Dispatch(req, resp, make([]byte, 256), 32, &offset)
	if resp.Code != coap.BadOption || string(resp.Payload) != "BlockOutOfScope" {
		t.Errorf("out of scope: %s %q", resp.Code, resp.Payload)
	}
}
