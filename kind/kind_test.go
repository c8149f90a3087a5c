package kind

import (
	"errors"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(WireProtocol, "decode update", errors.New("bad marker"))
	want := "WireProtocol: decode update: bad marker"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestIsWalksUnwrapChain(t *testing.T) {
	inner := New(TransportFailure, "dial", errors.New("connection refused"))
	outer := New(ReplicationFailure, "ship segment", inner)
	if !Is(outer, ReplicationFailure) {
		t.Errorf("expected Is to match the outer kind")
	}
	if !Is(outer, TransportFailure) {
		t.Errorf("expected Is to walk the unwrap chain to the inner kind")
	}
	if Is(outer, ConfigInvalid) {
		t.Errorf("did not expect ConfigInvalid to match")
	}
}

func TestFatalOnlyConfigInvalid(t *testing.T) {
	if !Fatal(ConfigInvalid) {
		t.Errorf("expected ConfigInvalid to be fatal")
	}
	for _, k := range []Kind{WireProtocol, TransportFailure, AuthenticationDenied, HoldTimerExpired, AdministrativeReset, ArchivalBackpressure, ReplicationFailure, ControlProtocol} {
		if Fatal(k) {
			t.Errorf("did not expect %s to be fatal", k)
		}
	}
}
