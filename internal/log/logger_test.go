package log

import "testing"

func TestGetReturnsLogger(t *testing.T) {
	l := Get()
	if l == nil {
		t.Fatal("Get returned nil logger")
	}
}

func TestWithComponentAttachesField(t *testing.T) {
	l := WithComponent("governor")
	if l == nil {
		t.Fatal("WithComponent returned nil logger")
	}
	// Must be a distinct logger from the root.
	if l == Get() {
		t.Fatal("WithComponent returned the root logger")
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	Setup("DEBUG")
	first := Get()
	Setup("ERROR")
	if Get() != first {
		t.Fatal("second Setup replaced the logger")
	}
}

func TestScopedLoggers(t *testing.T) {
	if WithInstance("spica-1") == Get() {
		t.Fatal("WithInstance returned the root logger")
	}
	if WithCapability("summarize") == Get() {
		t.Fatal("WithCapability returned the root logger")
	}
}
