package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := NotFound("sandbox %s", "sb-abc")
	if KindOf(err) != KindNotFound {
		t.Errorf("expected KindNotFound, got %v", KindOf(err))
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound)")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := Transient(fmt.Errorf("connection reset"))
	wrapped := fmt.Errorf("failed to put object: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped transient error to stay transient")
	}
}

func TestQuotaKind(t *testing.T) {
	err := QuotaExceeded("concurrent_exec")
	if KindOf(err) != KindQuotaExceeded {
		t.Fatalf("expected KindQuotaExceeded, got %v", KindOf(err))
	}
	if QuotaKindOf(err) != "concurrent_exec" {
		t.Errorf("expected quota kind concurrent_exec, got %q", QuotaKindOf(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("x"), http.StatusNotFound},
		{InvalidArgument("x"), http.StatusBadRequest},
		{Precondition("x"), http.StatusConflict},
		{QuotaExceeded("exec_rate"), http.StatusTooManyRequests},
		{TimedOut("x"), http.StatusGatewayTimeout},
		{Upstream(errors.New("dial refused")), http.StatusBadGateway},
		{Fatal(errors.New("boom")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
